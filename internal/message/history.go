// ABOUTME: Paginated, lazy reading of a conversation's message log
// ABOUTME: Rows are fetched in batches so no transaction stays open while the caller iterates

package message

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/store"
)

// lastID sorts after every other id, so a cursor built from it skips every
// message at the cursor's timestamp.
var lastID = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// MessagesSince returns the messages of a conversation created strictly
// after since, oldest first, ordered by (creation time, id). At most limit
// messages are produced; limit <= 0 means all of them.
//
// The sequence is lazy and can be ranged over more than once; each pass
// reads the backend again. Passing the creation time of the last message
// seen as since continues where the previous page ended. A read failure is
// yielded once as the error and ends the sequence.
func (s *Service) MessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time, limit int) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cursor := store.Cursor{CreatedAt: since, ID: lastID}
		remaining := limit

		for {
			n := s.batchSize
			if limit > 0 && remaining < n {
				n = remaining
			}

			rows, err := s.page(ctx, conversationID, cursor, n)
			if err != nil {
				yield(Message{}, err)
				return
			}

			for _, r := range rows {
				m, err := fromRecord(r)
				if err != nil {
					yield(Message{}, fmt.Errorf("reading message %s: %w", r.ID, err))
					return
				}
				if !yield(m, nil) {
					return
				}
				cursor = store.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
			}

			if limit > 0 {
				remaining -= len(rows)
				if remaining <= 0 {
					return
				}
			}
			if len(rows) < n {
				return
			}
		}
	}
}

// page reads one batch in its own transaction.
func (s *Service) page(ctx context.Context, conversationID uuid.UUID, after store.Cursor, n int) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.ListMessages(ctx, conversationID, after, n)
	if err != nil {
		return nil, fmt.Errorf("reading messages of %s: %w", conversationID, err)
	}
	return rows, tx.Commit()
}
