package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericvolp12/postscraper/pkg/cursor"
	"github.com/ericvolp12/postscraper/pkg/models"
	"github.com/ericvolp12/postscraper/pkg/schedulers/parallel"
	"github.com/ericvolp12/postscraper/pkg/throughput"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// RowWriter is the durable output the writer appends rows to
type RowWriter interface {
	Write(models.OutputRow) error
	Close() error
}

// Config tunes the consumer pipeline
type Config struct {
	WorkerCount       int
	MaxQueueSize      int
	OutputQueueSize   int
	CheckpointEvery   int64
	DrainPollInterval time.Duration
}

// DefaultWorkerCount is two workers per core, less one
func DefaultWorkerCount() int {
	n := 2*runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		WorkerCount:       DefaultWorkerCount(),
		MaxQueueSize:      10_000,
		OutputQueueSize:   10_000,
		CheckpointEvery:   20,
		DrainPollInterval: 100 * time.Millisecond,
	}
}

// Consumer is the consumer of the firehose
type Consumer struct {
	SocketURL string
	Cursor    *cursor.Cursor
	Scheduler *parallel.Scheduler
	Monitor   *throughput.Monitor

	config       Config
	checkpointer *cursor.Checkpointer
	allowed      map[Collection]bool
	logger       *slog.Logger

	sink       RowWriter
	out        chan models.OutputRow
	writerDone chan struct{}
	writerErr  error

	abort     chan struct{}
	abortOnce sync.Once

	state        atomic.Int32
	shutdownOnce sync.Once
	shutdownErr  error

	commitsProcessed prometheus.Counter
	rowsQueued       prometheus.Counter
	rowsWritten      prometheus.Counter
	outputDepth      prometheus.Gauge
	cursorValue      prometheus.Gauge
	processingTime   prometheus.Observer
}

var tracer = otel.Tracer("consumer")

// NewConsumer creates a new consumer writing posts to sink and checkpointing into cur
func NewConsumer(
	logger *slog.Logger,
	socketURL string,
	config Config,
	cur *cursor.Cursor,
	sink RowWriter,
) *Consumer {
	def := DefaultConfig()
	if config.WorkerCount < 1 {
		config.WorkerCount = def.WorkerCount
	}
	if config.MaxQueueSize < 0 {
		config.MaxQueueSize = def.MaxQueueSize
	}
	if config.OutputQueueSize < 0 {
		config.OutputQueueSize = def.OutputQueueSize
	}
	if config.CheckpointEvery < 1 {
		config.CheckpointEvery = def.CheckpointEvery
	}
	if config.DrainPollInterval <= 0 {
		config.DrainPollInterval = def.DrainPollInterval
	}

	log := logger.With("component", "consumer")

	c := &Consumer{
		SocketURL: socketURL,
		Cursor:    cur,
		Monitor:   throughput.NewMonitor(socketURL, log),

		config:       config,
		checkpointer: &cursor.Checkpointer{Cursor: cur, Every: config.CheckpointEvery},
		allowed:      map[Collection]bool{CollectionPost: true},
		logger:       log,

		sink:       sink,
		out:        make(chan models.OutputRow, config.OutputQueueSize),
		writerDone: make(chan struct{}),
		abort:      make(chan struct{}),

		commitsProcessed: commitsProcessedCounter.WithLabelValues(socketURL),
		rowsQueued:       rowsQueuedCounter.WithLabelValues(socketURL),
		rowsWritten:      rowsWrittenCounter.WithLabelValues(socketURL),
		outputDepth:      outputQueueDepthGauge.WithLabelValues(socketURL),
		cursorValue:      cursorGauge.WithLabelValues(socketURL),
		processingTime:   eventProcessingDurationHistogram.WithLabelValues(socketURL),
	}

	c.Scheduler = parallel.NewScheduler(config.WorkerCount, config.MaxQueueSize, socketURL, log, c.HandleCommit)
	c.setState(StateRunning)

	return c
}

// Start launches the decode workers and the writer
func (c *Consumer) Start(ctx context.Context) {
	go c.runWriter()
	c.Scheduler.Start(ctx)
}

// HandleCommitEvent is the feed callback: it counts the event and queues it for decoding,
// blocking while the intake queue is full
func (c *Consumer) HandleCommitEvent(ctx context.Context, evt *models.CommitEvent) error {
	c.Monitor.Observe()
	select {
	case <-c.abort:
		return parallel.ErrStopped
	default:
	}
	return c.Scheduler.AddWork(ctx, evt)
}

// HandleCommit decodes one commit and queues its posts for the writer
// Decode problems skip the op or commit they affect and are never returned
func (c *Consumer) HandleCommit(ctx context.Context, evt *models.CommitEvent) error {
	ctx, span := tracer.Start(ctx, "HandleCommit")
	defer span.End()

	if evt == nil || evt.Repo == "" || evt.Seq < 0 {
		commitsSkippedCounter.WithLabelValues("malformed", c.SocketURL).Inc()
		c.logger.Warn("skipping malformed commit", "error", ErrMalformedCommit)
		return nil
	}

	start := time.Now()
	span.SetAttributes(attribute.String("repo", evt.Repo), attribute.Int64("seq", evt.Seq))
	lastSeqGauge.WithLabelValues(c.SocketURL).Set(float64(evt.Seq))

	log := c.logger.With("repo", evt.Repo, "seq", evt.Seq)

	switch {
	case evt.TooBig:
		commitsSkippedCounter.WithLabelValues("too_big", c.SocketURL).Inc()
		log.Warn("repo commit too big", "rev", evt.Rev)
	case len(evt.Ops) == 0 || evt.Blocks == nil:
		commitsSkippedCounter.WithLabelValues("empty", c.SocketURL).Inc()
	default:
		for _, op := range evt.Ops {
			post, err := c.processOp(ctx, evt, op)
			if err != nil {
				opsSkippedCounter.WithLabelValues(skipReason(err), c.SocketURL).Inc()
				log.Debug("skipping op", "action", op.Action, "path", op.Path, "error", err)
				continue
			}
			if post == nil {
				continue
			}
			if !c.emit(post.Row()) {
				log.Error("writer aborted, dropping row", "uri", post.URI)
			}
		}
	}

	if c.checkpointer.Observe(evt.Seq) {
		c.cursorValue.Set(float64(evt.Seq))
		log.Debug("checkpointed cursor")
	}

	c.commitsProcessed.Inc()
	c.processingTime.Observe(time.Since(start).Seconds())
	return nil
}

func (c *Consumer) emit(row models.OutputRow) bool {
	select {
	case c.out <- row:
		c.rowsQueued.Inc()
		c.outputDepth.Set(float64(len(c.out)))
		return true
	case <-c.abort:
		return false
	}
}

// runWriter is the single writer: rows are appended in dequeue order until the output queue is closed
func (c *Consumer) runWriter() {
	log := c.logger.With("component", "writer")
	defer close(c.writerDone)

	for row := range c.out {
		c.outputDepth.Set(float64(len(c.out)))
		if err := c.sink.Write(row); err != nil {
			log.Error("failed to write row, stopping writer", "error", err)
			c.writerErr = fmt.Errorf("failed to write row: %w", err)
			c.abortOnce.Do(func() { close(c.abort) })
			return
		}
		c.rowsWritten.Inc()
	}

	log.Info("output queue closed, writer exiting")
}

// Aborted is closed when the writer has failed fatally
func (c *Consumer) Aborted() <-chan struct{} {
	return c.abort
}

// WriterErr returns the fatal writer error, or nil if the writer has not failed
func (c *Consumer) WriterErr() error {
	select {
	case <-c.abort:
		<-c.writerDone
		return c.writerErr
	default:
		return nil
	}
}

// OutputLen returns the number of rows waiting for the writer
func (c *Consumer) OutputLen() int {
	return len(c.out)
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, ErrMissingCID):
		return "missing_cid"
	case errors.Is(err, ErrBlockNotFound):
		return "block_not_found"
	case errors.Is(err, ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "decode_error"
	}
}
