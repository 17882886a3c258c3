package consumer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	apibsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/fxamacker/cbor/v2"
)

// Collection is the closed set of record collections the consumer recognizes
type Collection int

const (
	CollectionUnrecognized Collection = iota
	CollectionPost
	CollectionLike
	CollectionRepost
	CollectionFollow
)

var collectionNSIDs = map[Collection]string{
	CollectionPost:   "app.bsky.feed.post",
	CollectionLike:   "app.bsky.feed.like",
	CollectionRepost: "app.bsky.feed.repost",
	CollectionFollow: "app.bsky.graph.follow",
}

var nsidCollections = func() map[string]Collection {
	m := make(map[string]Collection, len(collectionNSIDs))
	for c, nsid := range collectionNSIDs {
		m[nsid] = c
	}
	return m
}()

// ClassifyCollection maps a collection NSID to its Collection
func ClassifyCollection(nsid string) Collection {
	if c, ok := nsidCollections[nsid]; ok {
		return c
	}
	return CollectionUnrecognized
}

// NSID returns the lexicon id of the collection, or "" for CollectionUnrecognized
func (c Collection) NSID() string {
	return collectionNSIDs[c]
}

func (c Collection) String() string {
	switch c {
	case CollectionPost:
		return "post"
	case CollectionLike:
		return "like"
	case CollectionRepost:
		return "repost"
	case CollectionFollow:
		return "follow"
	default:
		return "unrecognized"
	}
}

// Record is a decoded lexicon record: one of *apibsky.FeedPost, *apibsky.FeedLike,
// *apibsky.FeedRepost or *apibsky.GraphFollow
type Record interface {
	UnmarshalCBOR(r io.Reader) error
}

func newRecord(c Collection) Record {
	switch c {
	case CollectionPost:
		return &apibsky.FeedPost{}
	case CollectionLike:
		return &apibsky.FeedLike{}
	case CollectionRepost:
		return &apibsky.FeedRepost{}
	case CollectionFollow:
		return &apibsky.GraphFollow{}
	default:
		return nil
	}
}

var (
	ErrMalformedCommit   = errors.New("malformed commit")
	ErrMissingCID        = errors.New("create op missing cid")
	ErrBlockNotFound     = errors.New("record block not found in commit")
	ErrSchemaMismatch    = errors.New("record does not match collection schema")
	ErrNotAllowed        = errors.New("collection not in allow-list")
	ErrUnsupportedAction = errors.New("unsupported op action")
)

// DecodeRecord decodes a DAG-CBOR record block expected to belong to collection c
// The record's $type is checked against the collection before the full decode
func DecodeRecord(c Collection, b []byte) (Record, error) {
	if c == CollectionUnrecognized {
		return nil, fmt.Errorf("%w: unrecognized collection", ErrSchemaMismatch)
	}

	var hdr struct {
		Type string `cbor:"$type"`
	}
	if err := cbor.Unmarshal(b, &hdr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if hdr.Type != c.NSID() {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrSchemaMismatch, c.NSID(), hdr.Type)
	}

	rec := newRecord(c)
	if err := rec.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaMismatch, err)
	}

	if p, ok := rec.(*apibsky.FeedPost); ok && p.CreatedAt == "" {
		return nil, fmt.Errorf("%w: post missing createdAt", ErrSchemaMismatch)
	}

	return rec, nil
}
