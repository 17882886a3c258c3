package consumer

import (
	"errors"
	"testing"

	apibsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/fxamacker/cbor/v2"
)

func TestClassifyCollection(t *testing.T) {
	tests := map[string]Collection{
		"app.bsky.feed.post":     CollectionPost,
		"app.bsky.feed.like":     CollectionLike,
		"app.bsky.feed.repost":   CollectionRepost,
		"app.bsky.graph.follow":  CollectionFollow,
		"app.bsky.actor.profile": CollectionUnrecognized,
		"":                       CollectionUnrecognized,
	}
	for nsid, want := range tests {
		if got := ClassifyCollection(nsid); got != want {
			t.Errorf("ClassifyCollection(%q) = %s, want %s", nsid, got, want)
		}
	}
}

func TestDecodeRecord(t *testing.T) {
	follow, err := cbor.Marshal(map[string]any{
		"$type":     "app.bsky.graph.follow",
		"subject":   "did:plc:bob",
		"createdAt": "2024-03-13T17:57:49.000Z",
	})
	if err != nil {
		t.Fatalf("marshal follow: %v", err)
	}

	rec, err := DecodeRecord(CollectionFollow, follow)
	if err != nil {
		t.Fatalf("decode follow: %v", err)
	}
	f, ok := rec.(*apibsky.GraphFollow)
	if !ok {
		t.Fatalf("expected *apibsky.GraphFollow, got %T", rec)
	}
	if f.Subject != "did:plc:bob" {
		t.Fatalf("unexpected subject %q", f.Subject)
	}

	if _, err := DecodeRecord(CollectionPost, follow); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch decoding a follow as a post, got %v", err)
	}
	if _, err := DecodeRecord(CollectionUnrecognized, follow); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch for unrecognized collection, got %v", err)
	}
}

func TestDecodePostRequiresCreatedAt(t *testing.T) {
	b, err := cbor.Marshal(map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "no timestamp",
	})
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	if _, err := DecodeRecord(CollectionPost, b); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestDecodePostWrongFieldType(t *testing.T) {
	b, err := cbor.Marshal(map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      42,
		"createdAt": "2024-03-13T17:57:49.000Z",
	})
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	if _, err := DecodeRecord(CollectionPost, b); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}
