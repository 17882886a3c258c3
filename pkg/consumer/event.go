package consumer

import (
	"context"
	"fmt"

	apibsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/ericvolp12/postscraper/pkg/models"
)

// processOp interprets a single op. It returns the post to emit, nil when the op
// produces no output, or an error describing why the op was skipped
func (c *Consumer) processOp(ctx context.Context, evt *models.CommitEvent, op models.Operation) (*models.Post, error) {
	collection := ClassifyCollection(op.Collection())
	opsProcessedCounter.WithLabelValues(string(op.Action), collection.String(), c.SocketURL).Inc()

	switch op.Action {
	case models.ActionUpdate:
		return nil, ErrUnsupportedAction
	case models.ActionDelete:
		// Deletions are tracked but never applied to the append-only output.
		deletesObservedCounter.WithLabelValues(collection.String(), c.SocketURL).Inc()
		return nil, nil
	case models.ActionCreate:
	default:
		c.logger.Warn("unknown op action", "action", op.Action, "repo", evt.Repo, "path", op.Path)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, op.Action)
	}

	if op.CID == "" {
		return nil, ErrMissingCID
	}

	blk, ok := evt.Blocks[op.CID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, op.CID)
	}

	if !c.allowed[collection] {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, op.Collection())
	}

	rec, err := DecodeRecord(collection, blk)
	if err != nil {
		return nil, err
	}

	post, ok := rec.(*apibsky.FeedPost)
	if !ok {
		return nil, fmt.Errorf("%w: no output for %s", ErrNotAllowed, collection)
	}

	return &models.Post{
		CreatedAt: post.CreatedAt,
		Author:    evt.Repo,
		Text:      models.NormalizeText(post.Text),
		URI:       "at://" + evt.Repo + "/" + op.Path,
		CID:       op.CID,
	}, nil
}
