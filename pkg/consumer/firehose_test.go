package consumer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ericvolp12/postscraper/pkg/client"
	"github.com/ericvolp12/postscraper/pkg/cursor"
	"github.com/ericvolp12/postscraper/pkg/models"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// buildCAR encodes blocks as a CARv1 stream rooted at the first block
func buildCAR(t *testing.T, blocks ...[]byte) ([]byte, []cid.Cid) {
	t.Helper()

	prefix := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)
	cids := make([]cid.Cid, 0, len(blocks))
	for _, b := range blocks {
		c, err := prefix.Sum(b)
		if err != nil {
			t.Fatalf("hash block: %v", err)
		}
		cids = append(cids, c)
	}

	hdr, err := cbor.Marshal(map[string]any{
		"roots":   []cbor.Tag{{Number: 42, Content: append([]byte{0}, cids[0].Bytes()...)}},
		"version": 1,
	})
	if err != nil {
		t.Fatalf("marshal car header: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, uint64(len(hdr))))
	buf.Write(hdr)
	for i, b := range blocks {
		key := cids[i].Bytes()
		buf.Write(binary.AppendUvarint(nil, uint64(len(key)+len(b))))
		buf.Write(key)
		buf.Write(b)
	}
	return buf.Bytes(), cids
}

func TestFirehoseCommitToRow(t *testing.T) {
	post := postBlock(t, "from the\nfirehose")
	car, cids := buildCAR(t, post, likeBlock(t))

	postLink := lexutil.LexLink(cids[0])
	likeLink := lexutil.LexLink(cids[1])
	evt, err := client.CommitFromFirehose(&comatproto.SyncSubscribeRepos_Commit{
		Repo:   "did:plc:alice",
		Seq:    40,
		Blocks: car,
		Ops: []*comatproto.SyncSubscribeRepos_RepoOp{
			{Action: "create", Path: "app.bsky.feed.post/3kpost", Cid: &postLink},
			{Action: "create", Path: "app.bsky.feed.like/3klike", Cid: &likeLink},
		},
	})
	if err != nil {
		t.Fatalf("convert commit: %v", err)
	}

	if !bytes.Equal(evt.Blocks[evt.Ops[0].CID], post) {
		t.Fatalf("post block not found under op cid %s", evt.Ops[0].CID)
	}

	c := newTestConsumer(t, &memSink{})
	if err := c.HandleCommit(context.Background(), evt); err != nil {
		t.Fatalf("handle commit: %v", err)
	}

	rows := queuedRows(c)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	want := models.OutputRow{
		"2024-03-13T17:57:49.000Z",
		"did:plc:alice",
		"from the firehose",
		"at://did:plc:alice/app.bsky.feed.post/3kpost",
		cids[0].String(),
	}
	if rows[0] != want {
		t.Fatalf("unexpected row %v", rows[0])
	}
	if got := c.Cursor.Get(); got != 40 {
		t.Fatalf("expected cursor 40, got %d", got)
	}
}

// gatedSink blocks every write until the gate is opened
type gatedSink struct {
	memSink
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *gatedSink) Write(row models.OutputRow) error {
	s.once.Do(func() { close(s.started) })
	<-s.gate
	return s.memSink.Write(row)
}

func TestOutputQueueBackpressure(t *testing.T) {
	const k = 12

	sink := &gatedSink{gate: make(chan struct{}), started: make(chan struct{})}
	cfg := testConfig()
	cfg.WorkerCount = 2
	cfg.OutputQueueSize = 1
	c := NewConsumer(testLogger(), "test://"+t.Name(), cfg, cursor.New(cursor.Unset), sink)
	ctx := context.Background()

	for i := 0; i < k; i++ {
		evt := &models.CommitEvent{
			Repo:   "did:plc:alice",
			Seq:    int64(i + 1),
			Ops:    []models.Operation{{Action: models.ActionCreate, Path: fmt.Sprintf("app.bsky.feed.post/%d", i), CID: "b"}},
			Blocks: map[string][]byte{"b": postBlock(t, "x")},
		}
		if err := c.HandleCommitEvent(ctx, evt); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	c.Start(ctx)

	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer never received a row")
	}

	// With the writer stuck, at most one row per worker plus one queued row can be in flight.
	deadline := time.Now().Add(time.Second)
	for c.OutputLen() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := c.OutputLen(); got != 1 {
		t.Fatalf("expected a full output queue of 1, got %d", got)
	}
	if pending := c.Scheduler.Len(); pending < k-2*cfg.WorkerCount-2 {
		t.Fatalf("expected workers to block on the output queue, only %d commits still queued", pending)
	}

	close(sink.gate)
	if err := c.Shutdown(ctx, &fakeFeed{}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	rows := sink.Rows()
	if len(rows) != k {
		t.Fatalf("expected %d rows after the writer resumed, got %d", k, len(rows))
	}
	seen := make(map[string]bool, k)
	for _, row := range rows {
		seen[row[3]] = true
	}
	if len(seen) != k {
		t.Fatalf("expected %d distinct rows, got %d", k, len(seen))
	}
}
