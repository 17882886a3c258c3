package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/postscraper/pkg/cursor"
	"github.com/ericvolp12/postscraper/pkg/models"
	"github.com/ericvolp12/postscraper/pkg/schedulers/parallel"
	"github.com/gorilla/websocket"
	carv2 "github.com/ipld/go-car/v2"
)

type ClientConfig struct {
	WebsocketURL string
	ExtraHeaders map[string]string
	MaxBackoff   time.Duration
	// Resume reports the latest checkpointed sequence number, read on every (re)connect
	Resume func() int64
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		WebsocketURL: "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
		ExtraHeaders: map[string]string{
			"User-Agent": "postscraper/v0.1.0",
		},
		MaxBackoff: 30 * time.Second,
	}
}

// Handler receives each commit read from the firehose
type Handler func(ctx context.Context, evt *models.CommitEvent) error

// Client subscribes to the firehose and hands decoded commits to a Handler,
// reconnecting from the latest resumption cursor when the stream drops
type Client struct {
	config *ClientConfig
	handle Handler
	logger *slog.Logger

	cursor atomic.Int64

	lk     sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	EventsRead atomic.Int64
	BytesRead  atomic.Int64
}

func NewClient(config *ClientConfig, logger *slog.Logger, handle Handler) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if handle == nil {
		return nil, errors.New("client requires a handler")
	}

	c := &Client{
		config:  config,
		handle:  handle,
		logger:  logger.With("component", "firehose-client"),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.cursor.Store(cursor.Unset)
	return c, nil
}

// UpdateResumption sets a floor for the cursor the next (re)connect will resume from
func (c *Client) UpdateResumption(seq int64) {
	c.cursor.Store(seq)
}

// Resumption returns the cursor the next (re)connect will resume from: the later of
// the config's Resume value and the last UpdateResumption
func (c *Client) Resumption() int64 {
	seq := c.cursor.Load()
	if c.config.Resume != nil {
		seq = max(seq, c.config.Resume())
	}
	return seq
}

// SubscribeURL builds the subscription URL for the current resumption cursor
func (c *Client) SubscribeURL() (string, error) {
	u, err := url.Parse(c.config.WebsocketURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection url %q: %w", c.config.WebsocketURL, err)
	}

	if seq := c.Resumption(); seq >= 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ConnectAndRead reads from the firehose until Stop is called or ctx is done,
// reconnecting with exponential backoff when the stream fails. It may only be called once
func (c *Client) ConnectAndRead(ctx context.Context, start *int64) error {
	defer close(c.done)

	if start != nil {
		c.UpdateResumption(*start)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.lk.Lock()
	if c.isStopped() {
		c.lk.Unlock()
		return nil
	}
	c.cancel = cancel
	c.lk.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.config.MaxBackoff > 0 {
		bo.MaxInterval = c.config.MaxBackoff
	}

	for {
		readAny, err := c.readOnce(ctx)
		if c.isStopped() || ctx.Err() != nil {
			c.logger.Info("firehose client stopped")
			return nil
		}
		if readAny {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		c.logger.Error("firehose stream failed, reconnecting", "error", err, "backoff", wait, "cursor", c.Resumption())
		reconnectsCounter.WithLabelValues(c.config.WebsocketURL).Inc()

		select {
		case <-time.After(wait):
		case <-c.stopped:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) readOnce(ctx context.Context) (bool, error) {
	u, err := c.SubscribeURL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	for k, v := range c.config.ExtraHeaders {
		header.Add(k, v)
	}

	c.logger.Info("connecting to websocket", "url", u)
	con, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return false, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer con.Close()

	// Unblock the socket read as soon as we are cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			con.Close()
		case <-readDone:
		}
	}()

	before := c.EventsRead.Load()
	scheduler := sequential.NewScheduler("postscraper", c.handleStreamEvent)
	err = events.HandleRepoStream(ctx, con, scheduler)
	return c.EventsRead.Load() > before, err
}

func (c *Client) handleStreamEvent(ctx context.Context, xe *events.XRPCStreamEvent) error {
	switch {
	case xe.RepoCommit != nil:
		evt, err := CommitFromFirehose(xe.RepoCommit)
		if err != nil {
			// The pipeline treats a commit without a block store as carrying no records.
			c.logger.Error("failed to read commit blocks", "repo", xe.RepoCommit.Repo, "seq", xe.RepoCommit.Seq, "error", err)
		}
		c.EventsRead.Add(1)
		c.BytesRead.Add(int64(len(xe.RepoCommit.Blocks)))
		eventsRead.WithLabelValues(c.config.WebsocketURL).Inc()
		bytesRead.WithLabelValues(c.config.WebsocketURL).Add(float64(len(xe.RepoCommit.Blocks)))

		if err := c.handle(ctx, evt); err != nil {
			if errors.Is(err, parallel.ErrStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	case xe.Error != nil:
		return fmt.Errorf("error from firehose: %s", xe.Error.Message)
	}
	return nil
}

// Stop stops reading and waits for the read loop to exit. No handler call starts after Stop returns
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.lk.Lock()
		close(c.stopped)
		cancel := c.cancel
		c.lk.Unlock()
		if cancel == nil {
			// never connected
			return
		}
		cancel()
		<-c.done
	})
}

func (c *Client) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// CommitFromFirehose converts a firehose commit into a CommitEvent, loading its CAR blocks
// On a CAR error the event is still returned, with a nil block store
func CommitFromFirehose(evt *comatproto.SyncSubscribeRepos_Commit) (*models.CommitEvent, error) {
	ce := &models.CommitEvent{
		Repo:   evt.Repo,
		Seq:    evt.Seq,
		Rev:    evt.Rev,
		Time:   evt.Time,
		TooBig: evt.TooBig,
		Ops:    make([]models.Operation, 0, len(evt.Ops)),
	}

	for _, op := range evt.Ops {
		if op == nil {
			continue
		}
		o := models.Operation{
			Action: models.Action(op.Action),
			Path:   op.Path,
		}
		if op.Cid != nil {
			o.CID = op.Cid.String()
		}
		ce.Ops = append(ce.Ops, o)
	}

	if len(evt.Blocks) == 0 {
		return ce, nil
	}

	blocks, err := ReadBlocks(bytes.NewReader(evt.Blocks))
	if err != nil {
		return ce, err
	}
	ce.Blocks = blocks
	return ce, nil
}

// ReadBlocks reads every block of a CAR stream into a map keyed by CID string
func ReadBlocks(r io.Reader) (map[string][]byte, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read car header: %w", err)
	}

	blocks := make(map[string][]byte)
	for {
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return blocks, nil
			}
			return nil, fmt.Errorf("failed to read car block: %w", err)
		}
		blocks[blk.Cid().String()] = blk.RawData()
	}
}
