// ABOUTME: Edits, tombstones, and bulk wipes of committed messages
// ABOUTME: Attachment references are adjusted in the same transaction as the message change

package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/filecache"
	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/store"
)

// Edit replaces a message's content. Only the author may edit, and
// tombstoned messages cannot be edited.
//
// Attachments are compared as multisets. Digests the old content already
// carried keep the message's reference; digests beyond that take over the
// reference from their filecache.Cache.Put; digests the edit drops are
// released.
func (s *Service) Edit(ctx context.Context, messageID, editorID uuid.UUID, content Content) error {
	if len(content) == 0 {
		return ErrEmptyContent
	}
	if err := content.Validate(); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	encoded, err := encodeContent(content)
	if err != nil {
		return err
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("editing message %s: %w", messageID, err)
	}
	if r.AuthorID != editorID {
		return fmt.Errorf("%w: %s did not write %s", ErrNotAuthor, editorID, messageID)
	}
	if r.Tombstoned {
		return fmt.Errorf("editing message %s: %w", messageID, ErrTombstoned)
	}
	before, err := decodeContent(r.Content)
	if err != nil {
		return fmt.Errorf("editing message %s: %w", messageID, err)
	}
	dropped, added := diffAttachments(before.Attachments(), content.Attachments())

	now := s.now().UTC()
	if err := requireCached(ctx, tx, content, added, now); err != nil {
		return s.abort("edit", err)
	}
	if err := s.releaseDigests(ctx, tx, r.ID, dropped, now); err != nil {
		return s.abort("edit", err)
	}
	r.Content = encoded
	r.ModifiedAt = &now
	if err := tx.UpdateMessage(ctx, r); err != nil {
		return s.abort("edit", fmt.Errorf("updating message: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return s.abort("edit", fmt.Errorf("editing message: %w", err))
	}

	s.logger.Debug("message edited", "message_id", messageID, "fragments", len(content))
	return nil
}

// Tombstone clears a message's content and keeps its id and delivery
// history. Only the author may tombstone. Tombstoning twice is a no-op.
func (s *Service) Tombstone(ctx context.Context, messageID, by uuid.UUID) error {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tombstoning message: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("tombstoning message %s: %w", messageID, err)
	}
	if r.AuthorID != by {
		return fmt.Errorf("%w: %s did not write %s", ErrNotAuthor, by, messageID)
	}
	if r.Tombstoned {
		return nil
	}

	now := s.now().UTC()
	if err := s.release(ctx, tx, r, now); err != nil {
		return s.abort("tombstone", err)
	}
	empty, err := encodeContent(nil)
	if err != nil {
		return err
	}
	r.Content = empty
	r.Tombstoned = true
	r.ModifiedAt = &now
	if err := tx.UpdateMessage(ctx, r); err != nil {
		return s.abort("tombstone", fmt.Errorf("updating message: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return s.abort("tombstone", fmt.Errorf("tombstoning message: %w", err))
	}

	s.logger.Debug("message tombstoned", "message_id", messageID)
	return nil
}

// release drops one cache reference per attachment fragment of r.
// Entries that are already gone or unreferenced are skipped.
func (s *Service) release(ctx context.Context, tx store.Tx, r *store.Message, now time.Time) error {
	if r.Tombstoned {
		return nil
	}
	content, err := decodeContent(r.Content)
	if err != nil {
		return fmt.Errorf("releasing attachments of %s: %w", r.ID, err)
	}
	return s.releaseDigests(ctx, tx, r.ID, content.Attachments(), now)
}

// releaseDigests drops one cache reference per listed digest.
func (s *Service) releaseDigests(ctx context.Context, tx store.Tx, messageID uuid.UUID, digests []ident.Digest, now time.Time) error {
	for _, digest := range digests {
		_, err := filecache.AdjustRefs(ctx, tx, digest, -1, now)
		if errors.Is(err, filecache.ErrUnknownDigest) || errors.Is(err, filecache.ErrNotReferenced) {
			s.logger.Warn("attachment reference already released", "message_id", messageID, "digest", digest.String())
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Wipe irreversibly removes every message of a conversation and their
// delivery records in one transaction, and releases their attachments.
// It returns the number of messages removed.
func (s *Service) Wipe(ctx context.Context, conversationID uuid.UUID) (int, error) {
	return s.wipe(ctx, store.MessageTable(conversationID))
}

// WipeAll removes every message of every conversation.
func (s *Service) WipeAll(ctx context.Context) (int, error) {
	return s.wipe(ctx, store.AllMessageTables)
}

func (s *Service) wipe(ctx context.Context, pattern string) (int, error) {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("wiping messages: %w", err)
	}
	defer tx.Rollback()

	doomed, err := tx.MessagesMatching(ctx, pattern)
	if err != nil {
		return 0, s.abort("wipe", fmt.Errorf("listing messages: %w", err))
	}
	now := s.now().UTC()
	for _, r := range doomed {
		if err := s.release(ctx, tx, r, now); err != nil {
			return 0, s.abort("wipe", err)
		}
	}

	n, err := tx.RemoveMatching(ctx, pattern)
	if err != nil {
		return 0, s.abort("wipe", fmt.Errorf("removing messages: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, s.abort("wipe", fmt.Errorf("wiping messages: %w", err))
	}

	s.metrics.MessagesWiped(n)
	s.logger.Info("messages wiped", "pattern", pattern, "messages", n)
	return n, nil
}
