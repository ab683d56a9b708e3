// ABOUTME: Message service: conversation resolution and the atomic commit path
// ABOUTME: A commit writes the message row and one composed delivery record per recipient in one transaction

package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/filecache"
	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/metrics"
	"github.com/2389/coven-postbox/internal/notify"
	"github.com/2389/coven-postbox/internal/store"
)

// ErrUnknownConversation is returned when no group, channel, or registered
// one-to-one conversation backs a conversation id
var ErrUnknownConversation = errors.New("unknown conversation")

// ErrNotParticipant is returned when the author of a one-to-one message is not one of its two people
var ErrNotParticipant = errors.New("author is not a participant")

// ErrNotAuthor is returned when someone other than the author edits or tombstones a message
var ErrNotAuthor = errors.New("not the message author")

// ErrMissingAttachment is returned when content references a digest that is not cached
var ErrMissingAttachment = errors.New("attachment not cached")

// ErrTombstoned is returned when editing a tombstoned message
var ErrTombstoned = errors.New("message is tombstoned")

// ErrEmptyContent is returned when committing a message with no fragments
var ErrEmptyContent = errors.New("message content is empty")

// defaultBatchSize is how many rows MessagesSince reads per transaction.
const defaultBatchSize = 64

// Service stores messages and tracks their delivery.
type Service struct {
	backend   store.Backend
	now       func() time.Time
	batchSize int
	metrics   *metrics.Metrics
	reporter  notify.Reporter
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBatchSize sets how many rows MessagesSince fetches per transaction.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReporter sets where aborted transactions are reported.
func WithReporter(r notify.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a message service over backend.
func New(backend store.Backend, opts ...Option) *Service {
	s := &Service{
		backend:   backend,
		now:       time.Now,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "message")
	return s
}

// abort reports a failed write transaction and returns err unchanged.
func (s *Service) abort(op string, err error) error {
	if s.reporter != nil {
		s.reporter.Report(notify.SourceTransaction, fmt.Errorf("%s: %w", op, err))
	}
	s.logger.Warn("transaction rolled back", "op", op, "error", err)
	return err
}

// OpenDirect registers the one-to-one conversation between two people and
// returns it. Opening an existing pair returns the existing conversation.
func (s *Service) OpenDirect(ctx context.Context, a, b uuid.UUID) (Conversation, error) {
	if a == b {
		return Conversation{}, fmt.Errorf("opening direct conversation: both parties are %s", a)
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return Conversation{}, fmt.Errorf("opening direct conversation: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []uuid.UUID{a, b} {
		c, err := tx.GetContact(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return Conversation{}, fmt.Errorf("opening direct conversation: contact %s: %w", id, err)
		}
		if err != nil {
			return Conversation{}, fmt.Errorf("opening direct conversation: %w", err)
		}
		if c.Kind != store.KindPerson {
			return Conversation{}, fmt.Errorf("opening direct conversation: contact %s is a %s", id, c.Kind)
		}
	}

	first, second := a, b
	if slices.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	dc, err := tx.PutDirectConversation(ctx, &store.DirectConversation{
		ID:        ident.PairID(a, b),
		PersonA:   first,
		PersonB:   second,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("opening direct conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("opening direct conversation: %w", err)
	}

	return Conversation{id: dc.ID, kind: store.KindPerson, parties: [2]uuid.UUID{dc.PersonA, dc.PersonB}}, nil
}

// ResolveConversation returns the conversation addressed by id: a group or
// channel contact, or a one-to-one conversation registered with OpenDirect.
func (s *Service) ResolveConversation(ctx context.Context, id uuid.UUID) (Conversation, error) {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return Conversation{}, fmt.Errorf("resolving conversation: %w", err)
	}
	defer tx.Rollback()

	conv, err := resolve(ctx, tx, id)
	if err != nil {
		return Conversation{}, err
	}
	return conv, tx.Commit()
}

func resolve(ctx context.Context, tx store.Tx, id uuid.UUID) (Conversation, error) {
	c, err := tx.GetContact(ctx, id)
	switch {
	case err == nil && c.Kind != store.KindPerson:
		return Conversation{id: id, kind: c.Kind}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Conversation{}, fmt.Errorf("resolving conversation %s: %w", id, err)
	}

	dc, err := tx.GetDirectConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("resolving conversation %s: %w", id, err)
	}
	return Conversation{id: id, kind: store.KindPerson, parties: [2]uuid.UUID{dc.PersonA, dc.PersonB}}, nil
}

// recipients computes the frozen recipient set for a new message.
func recipients(ctx context.Context, conv Conversation, authorID uuid.UUID, snapshot RecipientSnapshot) ([]uuid.UUID, error) {
	if conv.kind == store.KindPerson {
		switch authorID {
		case conv.parties[0]:
			return []uuid.UUID{conv.parties[1]}, nil
		case conv.parties[1]:
			return []uuid.UUID{conv.parties[0]}, nil
		}
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, authorID, conv.id)
	}

	if snapshot == nil {
		return nil, fmt.Errorf("a recipient snapshot is required for %s conversations", conv.kind)
	}
	members, err := snapshot.Members(ctx, conv.id)
	if err != nil {
		return nil, fmt.Errorf("reading members of %s: %w", conv.id, err)
	}

	seen := make(map[uuid.UUID]bool, len(members))
	out := make([]uuid.UUID, 0, len(members))
	for _, id := range members {
		if id == authorID || id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Commit stores a new message and seeds a composed delivery record for each
// recipient. For one-to-one conversations the recipient is the other person
// and snapshot is not consulted; for groups and channels it is every member
// of snapshot except the author.
//
// Attachment fragments must reference cached files. Commit takes over the
// reference each attachment already holds from filecache.Cache.Put; it does
// not add one, unless the entry has meanwhile dropped to zero references. Any failure rolls back the whole commit.
func (s *Service) Commit(ctx context.Context, conversationID, authorID uuid.UUID, content Content, snapshot RecipientSnapshot) (uuid.UUID, error) {
	if len(content) == 0 {
		return uuid.Nil, ErrEmptyContent
	}
	if err := content.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("committing message: %w", err)
	}
	encoded, err := encodeContent(content)
	if err != nil {
		return uuid.Nil, err
	}

	conv, err := s.ResolveConversation(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	// Membership is read outside the write transaction so a snapshot may
	// itself query the backend.
	to, err := recipients(ctx, conv, authorID, snapshot)
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("committing message: %w", err)
	}
	defer tx.Rollback()

	_, added := diffAttachments(nil, content.Attachments())
	if err := requireCached(ctx, tx, content, added, s.now().UTC()); err != nil {
		return uuid.Nil, s.abort("commit", err)
	}

	createdAt, err := s.nextTimestamp(ctx, tx, conversationID)
	if err != nil {
		return uuid.Nil, s.abort("commit", err)
	}

	msg := &store.Message{
		ID:             ident.NewID(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		CreatedAt:      createdAt,
		Content:        encoded,
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return uuid.Nil, s.abort("commit", fmt.Errorf("inserting message: %w", err))
	}

	for _, recipient := range to {
		d := &store.Delivery{
			MessageID:      msg.ID,
			RecipientID:    recipient,
			ConversationID: conversationID,
			State:          store.StateComposed,
			StateAt:        createdAt,
		}
		if err := tx.InsertDelivery(ctx, d); err != nil {
			return uuid.Nil, s.abort("commit", fmt.Errorf("seeding delivery for %s: %w", recipient, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, s.abort("commit", fmt.Errorf("committing message: %w", err))
	}

	s.metrics.MessageCommitted()
	s.logger.Debug("message committed",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"kind", conv.kind.String(),
		"recipients", len(to),
		"fragments", len(content))
	return msg.ID, nil
}

// nextTimestamp returns a creation time strictly after the conversation's
// latest message, so a timestamp cursor never skips a message.
func (s *Service) nextTimestamp(ctx context.Context, tx store.Tx, conversationID uuid.UUID) (time.Time, error) {
	now := s.now().UTC()
	latest, err := tx.LatestMessage(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading latest message: %w", err)
	}
	if !now.After(latest.CreatedAt) {
		now = latest.CreatedAt.Add(time.Nanosecond)
	}
	return now, nil
}

// requireCached checks that every attachment in content is in the file cache.
// The digests in added are the references content takes over from
// filecache.Cache.Put. An added entry that has already dropped to zero
// references is attached again, once per added occurrence, so a sweep cannot
// evict a file a message points at.
func requireCached(ctx context.Context, tx store.Tx, content Content, added map[ident.Digest]int, now time.Time) error {
	seen := make(map[ident.Digest]bool)
	for _, digest := range content.Attachments() {
		if seen[digest] {
			continue
		}
		seen[digest] = true

		f, err := tx.GetFile(ctx, digest)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMissingAttachment, digest)
		}
		if err != nil {
			return fmt.Errorf("checking attachment %s: %w", digest, err)
		}
		if n := added[digest]; n > 0 && f.RefCount == 0 {
			if _, err := filecache.AdjustRefs(ctx, tx, digest, int64(n), now); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffAttachments compares two attachment lists as multisets. dropped holds
// the digests of before that after no longer carries, in order and with
// repeats; added counts the digests after carries beyond before.
func diffAttachments(before, after []ident.Digest) (dropped []ident.Digest, added map[ident.Digest]int) {
	remaining := make(map[ident.Digest]int, len(after))
	for _, d := range after {
		remaining[d]++
	}
	for _, d := range before {
		if remaining[d] > 0 {
			remaining[d]--
			continue
		}
		dropped = append(dropped, d)
	}
	added = make(map[ident.Digest]int)
	for d, n := range remaining {
		if n > 0 {
			added[d] = n
		}
	}
	return dropped, added
}

// Get returns a message by id. The bool is false when it does not exist.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Message, bool, error) {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return Message{}, false, fmt.Errorf("getting message: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("getting message %s: %w", id, err)
	}
	m, err := fromRecord(r)
	if err != nil {
		return Message{}, false, fmt.Errorf("getting message %s: %w", id, err)
	}
	return m, true, tx.Commit()
}
