// ABOUTME: Volatile in-memory Backend implementation
// ABOUTME: Used for ephemeral sessions and tests; rollback replays an undo log

package store

import (
	"context"
	"log/slog"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/ident"
)

type deliveryKey struct {
	message   uuid.UUID
	recipient uuid.UUID
}

// MemoryStore is a process-memory Backend. A transaction holds the store's
// lock from Begin until Commit or Rollback, so the store is meant for a single
// owning goroutine; concurrent callers simply queue behind each other.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool
	logger *slog.Logger

	contacts     map[uuid.UUID]*Contact
	contactOrder []uuid.UUID // insertion order
	directs      map[uuid.UUID]*DirectConversation
	tables       map[string][]*Message // table name -> rows sorted by (CreatedAt, ID)
	messageTable map[uuid.UUID]string  // message ID -> table name
	deliveries   map[deliveryKey]*Delivery
	recipients   map[uuid.UUID][]uuid.UUID // message ID -> recipients in insertion order
	files        map[ident.Digest]*CachedFile
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logger:       slog.Default().With("component", "store", "backend", "memory"),
		contacts:     make(map[uuid.UUID]*Contact),
		directs:      make(map[uuid.UUID]*DirectConversation),
		tables:       make(map[string][]*Message),
		messageTable: make(map[uuid.UUID]string),
		deliveries:   make(map[deliveryKey]*Delivery),
		recipients:   make(map[uuid.UUID][]uuid.UUID),
		files:        make(map[ident.Digest]*CachedFile),
	}
}

// Begin locks the store for the lifetime of the returned transaction.
func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	return &memTx{store: m}, nil
}

// Close marks the store closed. Later Begin calls fail with ErrUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.logger.Info("closing memory store")
	return nil
}

// memTx mutates the store in place and records how to undo each change.
type memTx struct {
	store *MemoryStore
	undo  []func()
	done  bool
}

var _ Backend = (*MemoryStore)(nil)
var _ Tx = (*memTx)(nil)

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) onUndo(fn func()) {
	t.undo = append(t.undo, fn)
}

// InsertContact stores a copy of c.
func (t *memTx) InsertContact(ctx context.Context, c *Contact) error {
	m := t.store
	if _, ok := m.contacts[c.ID]; ok {
		return ErrDuplicateID
	}
	cp := *c
	m.contacts[c.ID] = &cp
	m.contactOrder = append(m.contactOrder, c.ID)
	t.onUndo(func() {
		delete(m.contacts, c.ID)
		m.contactOrder = m.contactOrder[:len(m.contactOrder)-1]
	})
	return nil
}

func (t *memTx) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	c, ok := t.store.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) CountContacts(ctx context.Context, kind *ContactKind) (int, error) {
	if kind == nil {
		return len(t.store.contacts), nil
	}
	n := 0
	for _, c := range t.store.contacts {
		if c.Kind == *kind {
			n++
		}
	}
	return n, nil
}

// ForEachContact visits contacts in insertion order.
func (t *memTx) ForEachContact(ctx context.Context, fn func(*Contact) bool) error {
	for _, id := range t.store.contactOrder {
		cp := *t.store.contacts[id]
		if !fn(&cp) {
			return nil
		}
	}
	return nil
}

// PutDirectConversation inserts dc unless a row with its ID exists, and returns the stored row.
func (t *memTx) PutDirectConversation(ctx context.Context, dc *DirectConversation) (*DirectConversation, error) {
	m := t.store
	if existing, ok := m.directs[dc.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *dc
	m.directs[dc.ID] = &cp
	t.onUndo(func() { delete(m.directs, dc.ID) })
	out := cp
	return &out, nil
}

func (t *memTx) GetDirectConversation(ctx context.Context, id uuid.UUID) (*DirectConversation, error) {
	dc, ok := t.store.directs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dc
	return &cp, nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.Content = slices.Clone(msg.Content)
	if msg.ModifiedAt != nil {
		mod := *msg.ModifiedAt
		cp.ModifiedAt = &mod
	}
	if msg.BroadcastAckedAt != nil {
		ack := *msg.BroadcastAckedAt
		cp.BroadcastAckedAt = &ack
	}
	return &cp
}

func messageLess(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return slices.Compare(a.ID[:], b.ID[:])
}

// InsertMessage adds msg to its conversation's table, keeping (CreatedAt, ID) order.
func (t *memTx) InsertMessage(ctx context.Context, msg *Message) error {
	m := t.store
	if _, ok := m.messageTable[msg.ID]; ok {
		return ErrDuplicateID
	}
	table := MessageTable(msg.ConversationID)
	rows, existed := m.tables[table]
	prev := rows

	cp := copyMessage(msg)
	pos, _ := slices.BinarySearchFunc(rows, cp, messageLess)
	next := make([]*Message, 0, len(rows)+1)
	next = append(next, rows[:pos]...)
	next = append(next, cp)
	next = append(next, rows[pos:]...)

	m.tables[table] = next
	m.messageTable[msg.ID] = table
	t.onUndo(func() {
		if existed {
			m.tables[table] = prev
		} else {
			delete(m.tables, table)
		}
		delete(m.messageTable, msg.ID)
	})
	return nil
}

func (t *memTx) findMessage(id uuid.UUID) (string, int, bool) {
	table, ok := t.store.messageTable[id]
	if !ok {
		return "", 0, false
	}
	for i, row := range t.store.tables[table] {
		if row.ID == id {
			return table, i, true
		}
	}
	return "", 0, false
}

func (t *memTx) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	table, i, ok := t.findMessage(id)
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(t.store.tables[table][i]), nil
}

// UpdateMessage replaces the mutable columns of an existing message.
func (t *memTx) UpdateMessage(ctx context.Context, msg *Message) error {
	table, i, ok := t.findMessage(msg.ID)
	if !ok {
		return ErrNotFound
	}
	rows := t.store.tables[table]
	old := rows[i]
	updated := copyMessage(old)
	updated.ModifiedAt = msg.ModifiedAt
	updated.Content = slices.Clone(msg.Content)
	updated.Tombstoned = msg.Tombstoned
	updated.BroadcastAckedAt = msg.BroadcastAckedAt
	rows[i] = copyMessage(updated)
	t.onUndo(func() { rows[i] = old })
	return nil
}

func (t *memTx) LatestMessage(ctx context.Context, conversationID uuid.UUID) (*Message, error) {
	rows := t.store.tables[MessageTable(conversationID)]
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return copyMessage(rows[len(rows)-1]), nil
}

// ListMessages returns up to limit messages after the cursor. limit <= 0 means no limit.
func (t *memTx) ListMessages(ctx context.Context, conversationID uuid.UUID, after Cursor, limit int) ([]*Message, error) {
	out := []*Message{}
	for _, row := range t.store.tables[MessageTable(conversationID)] {
		if !after.After(row) {
			continue
		}
		out = append(out, copyMessage(row))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) matchingTables(pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	var names []string
	for name := range t.store.tables {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (t *memTx) MessagesMatching(ctx context.Context, pattern string) ([]*Message, error) {
	names, err := t.matchingTables(pattern)
	if err != nil {
		return nil, err
	}
	out := []*Message{}
	for _, name := range names {
		for _, row := range t.store.tables[name] {
			out = append(out, copyMessage(row))
		}
	}
	return out, nil
}

func (t *memTx) InsertDelivery(ctx context.Context, d *Delivery) error {
	m := t.store
	key := deliveryKey{d.MessageID, d.RecipientID}
	if _, ok := m.deliveries[key]; ok {
		return ErrDuplicateID
	}
	cp := *d
	m.deliveries[key] = &cp
	prev := m.recipients[d.MessageID]
	m.recipients[d.MessageID] = append(slices.Clone(prev), d.RecipientID)
	t.onUndo(func() {
		delete(m.deliveries, key)
		if prev == nil {
			delete(m.recipients, d.MessageID)
		} else {
			m.recipients[d.MessageID] = prev
		}
	})
	return nil
}

func (t *memTx) GetDelivery(ctx context.Context, messageID, recipientID uuid.UUID) (*Delivery, error) {
	d, ok := t.store.deliveries[deliveryKey{messageID, recipientID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) UpdateDelivery(ctx context.Context, d *Delivery) error {
	key := deliveryKey{d.MessageID, d.RecipientID}
	old, ok := t.store.deliveries[key]
	if !ok {
		return ErrNotFound
	}
	cp := *old
	cp.State = d.State
	cp.StateAt = d.StateAt
	t.store.deliveries[key] = &cp
	t.onUndo(func() { t.store.deliveries[key] = old })
	return nil
}

// ListDeliveries returns a message's delivery records in insertion order.
func (t *memTx) ListDeliveries(ctx context.Context, messageID uuid.UUID) ([]*Delivery, error) {
	out := []*Delivery{}
	for _, rid := range t.store.recipients[messageID] {
		cp := *t.store.deliveries[deliveryKey{messageID, rid}]
		out = append(out, &cp)
	}
	return out, nil
}

// PutFile inserts f with one reference, or adds a reference to the existing row.
func (t *memTx) PutFile(ctx context.Context, f *CachedFile) (int64, bool, error) {
	m := t.store
	if existing, ok := m.files[f.Digest]; ok {
		old := *existing
		existing.RefCount++
		existing.ZeroSince = nil
		t.onUndo(func() { *existing = old })
		return existing.RefCount, false, nil
	}
	cp := *f
	cp.Data = slices.Clone(f.Data)
	cp.RefCount = 1
	cp.ZeroSince = nil
	m.files[f.Digest] = &cp
	t.onUndo(func() { delete(m.files, f.Digest) })
	return 1, true, nil
}

// AdjustFileRefs adds delta to the reference count. Reaching zero stamps ZeroSince.
func (t *memTx) AdjustFileRefs(ctx context.Context, digest ident.Digest, delta int64, now time.Time) (int64, error) {
	existing, ok := t.store.files[digest]
	if !ok {
		return 0, ErrNotFound
	}
	old := *existing
	existing.RefCount += delta
	if existing.RefCount == 0 {
		zero := now
		existing.ZeroSince = &zero
	} else {
		existing.ZeroSince = nil
	}
	t.onUndo(func() { *existing = old })
	return existing.RefCount, nil
}

func (t *memTx) GetFile(ctx context.Context, digest ident.Digest) (*CachedFile, error) {
	f, ok := t.store.files[digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	cp.Data = slices.Clone(f.Data)
	if f.ZeroSince != nil {
		zero := *f.ZeroSince
		cp.ZeroSince = &zero
	}
	return &cp, nil
}

// RemoveStaleFiles deletes unreferenced files whose ZeroSince is at or before zeroBefore.
func (t *memTx) RemoveStaleFiles(ctx context.Context, zeroBefore time.Time) (int, error) {
	m := t.store
	removed := 0
	for digest, f := range m.files {
		if f.RefCount != 0 || f.ZeroSince == nil || f.ZeroSince.After(zeroBefore) {
			continue
		}
		delete(m.files, digest)
		t.onUndo(func() { m.files[digest] = f })
		removed++
	}
	return removed, nil
}

// RemoveMatching drops matching message tables along with their delivery records.
func (t *memTx) RemoveMatching(ctx context.Context, pattern string) (int, error) {
	m := t.store
	names, err := t.matchingTables(pattern)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		rows := m.tables[name]
		delete(m.tables, name)
		t.onUndo(func() { m.tables[name] = rows })

		for _, row := range rows {
			id := row.ID
			delete(m.messageTable, id)
			t.onUndo(func() { m.messageTable[id] = name })

			rids := m.recipients[id]
			for _, rid := range rids {
				key := deliveryKey{id, rid}
				d := m.deliveries[key]
				delete(m.deliveries, key)
				t.onUndo(func() { m.deliveries[key] = d })
			}
			if rids != nil {
				delete(m.recipients, id)
				t.onUndo(func() { m.recipients[id] = rids })
			}
		}
		removed += len(rows)
	}
	if removed > 0 {
		m.logger.Debug("removed message tables", "pattern", pattern, "messages", removed)
	}
	return removed, nil
}
