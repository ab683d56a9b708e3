// ABOUTME: Transaction methods of the SQLite backend
// ABOUTME: Row-level reads and writes for contacts, messages, deliveries, and cached files

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/ident"
)

type sqliteTx struct {
	tx    *sql.Tx
	store *SQLiteStore
	done  bool
}

var _ Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return classify("committing transaction", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("rolling back transaction", err)
	}
	return nil
}

var (
	minNanosTime = time.Unix(0, math.MinInt64)
	maxNanosTime = time.Unix(0, math.MaxInt64)
)

// nanos converts t to unix nanoseconds, clamping times outside the int64
// range (including the zero time) so cursor comparisons stay ordered.
func nanos(t time.Time) int64 {
	switch {
	case t.Before(minNanosTime):
		return math.MinInt64
	case t.After(maxNanosTime):
		return math.MaxInt64
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func scanUUID(raw []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decoding id: %w", err)
	}
	return id, nil
}

// InsertContact inserts a new contact.
// Returns ErrDuplicateID if the id is already taken.
func (t *sqliteTx) InsertContact(ctx context.Context, c *Contact) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contacts (id, kind, display_name, alias, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID[:], c.Kind, c.DisplayName, c.Alias, nanos(c.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return classify("inserting contact", err)
	}
	t.store.logger.Debug("inserted contact", "id", c.ID, "kind", c.Kind)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var id []byte
	var createdAt int64
	if err := row.Scan(&id, &c.Kind, &c.DisplayName, &c.Alias, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = scanUUID(id); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(createdAt)
	return &c, nil
}

// GetContact retrieves a contact by ID.
// Returns ErrNotFound if the contact doesn't exist.
func (t *sqliteTx) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, kind, display_name, alias, created_at
		FROM contacts
		WHERE id = ?
	`, id[:])
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying contact", err)
	}
	return c, nil
}

func (t *sqliteTx) CountContacts(ctx context.Context, kind *ContactKind) (int, error) {
	var n int
	var err error
	if kind == nil {
		err = t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n)
	} else {
		err = t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE kind = ?`, *kind).Scan(&n)
	}
	if err != nil {
		return 0, classify("counting contacts", err)
	}
	return n, nil
}

// ForEachContact visits contacts in insertion order until fn returns false.
// It orders by rowid rather than the id primary key so both backends visit
// contacts in the same order; with time-ordered ids the two orders only
// differ for ids minted by other processes or supplied by the caller.
func (t *sqliteTx) ForEachContact(ctx context.Context, fn func(*Contact) bool) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, kind, display_name, alias, created_at
		FROM contacts
		ORDER BY rowid
	`)
	if err != nil {
		return classify("querying contacts", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return classify("scanning contact row", err)
		}
		if !fn(c) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return classify("iterating contact rows", err)
	}
	return nil
}

// PutDirectConversation inserts dc if absent and returns the stored row.
func (t *sqliteTx) PutDirectConversation(ctx context.Context, dc *DirectConversation) (*DirectConversation, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO direct_conversations (id, person_a, person_b, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, dc.ID[:], dc.PersonA[:], dc.PersonB[:], nanos(dc.CreatedAt))
	if err != nil {
		return nil, classify("inserting direct conversation", err)
	}
	return t.GetDirectConversation(ctx, dc.ID)
}

func (t *sqliteTx) GetDirectConversation(ctx context.Context, id uuid.UUID) (*DirectConversation, error) {
	var dc DirectConversation
	var rawID, rawA, rawB []byte
	var createdAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, person_a, person_b, created_at
		FROM direct_conversations
		WHERE id = ?
	`, id[:]).Scan(&rawID, &rawA, &rawB, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying direct conversation", err)
	}
	if dc.ID, err = scanUUID(rawID); err != nil {
		return nil, err
	}
	if dc.PersonA, err = scanUUID(rawA); err != nil {
		return nil, err
	}
	if dc.PersonB, err = scanUUID(rawB); err != nil {
		return nil, err
	}
	dc.CreatedAt = fromNanos(createdAt)
	return &dc, nil
}

// ensureMessageTable creates a conversation's message table on first use.
func (t *sqliteTx) ensureMessageTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]q (
			id                 BLOB PRIMARY KEY,
			author_id          BLOB NOT NULL,
			created_at         INTEGER NOT NULL,
			modified_at        INTEGER,
			content            BLOB NOT NULL,
			tombstoned         INTEGER NOT NULL DEFAULT 0,
			broadcast_acked_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS %[2]q ON %[1]q(created_at, id);
	`, table, "idx_"+table+"_created")
	if _, err := t.tx.ExecContext(ctx, ddl); err != nil {
		return classify("creating message table", err)
	}
	return nil
}

func (t *sqliteTx) tableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `
		SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?
	`, table).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("checking message table", err)
	}
	return true, nil
}

const messageColumns = `id, author_id, created_at, modified_at, content, tombstoned, broadcast_acked_at`

func scanMessage(row rowScanner, conversationID uuid.UUID) (*Message, error) {
	var m Message
	var rawID, rawAuthor []byte
	var createdAt int64
	var modifiedAt, ackedAt sql.NullInt64
	if err := row.Scan(&rawID, &rawAuthor, &createdAt, &modifiedAt, &m.Content, &m.Tombstoned, &ackedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = scanUUID(rawID); err != nil {
		return nil, err
	}
	if m.AuthorID, err = scanUUID(rawAuthor); err != nil {
		return nil, err
	}
	m.ConversationID = conversationID
	m.CreatedAt = fromNanos(createdAt)
	m.ModifiedAt = timePtr(modifiedAt)
	m.BroadcastAckedAt = timePtr(ackedAt)
	if m.Content == nil {
		m.Content = []byte{}
	}
	return &m, nil
}

// InsertMessage writes msg into its conversation's table and the message index.
func (t *sqliteTx) InsertMessage(ctx context.Context, msg *Message) error {
	table := MessageTable(msg.ConversationID)
	if err := t.ensureMessageTable(ctx, table); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO message_index (message_id, conversation_id, table_name)
		VALUES (?, ?, ?)
	`, msg.ID[:], msg.ConversationID[:], table)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return classify("indexing message", err)
	}

	content := msg.Content
	if content == nil {
		content = []byte{}
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, table),
		msg.ID[:],
		msg.AuthorID[:],
		nanos(msg.CreatedAt),
		nullNanos(msg.ModifiedAt),
		content,
		msg.Tombstoned,
		nullNanos(msg.BroadcastAckedAt),
	)
	if err != nil {
		return classify("inserting message", err)
	}

	t.store.logger.Debug("inserted message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

func (t *sqliteTx) lookupTable(ctx context.Context, id uuid.UUID) (string, uuid.UUID, error) {
	var table string
	var rawConv []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT table_name, conversation_id FROM message_index WHERE message_id = ?
	`, id[:]).Scan(&table, &rawConv)
	if err == sql.ErrNoRows {
		return "", uuid.Nil, ErrNotFound
	}
	if err != nil {
		return "", uuid.Nil, classify("querying message index", err)
	}
	conv, err := scanUUID(rawConv)
	if err != nil {
		return "", uuid.Nil, err
	}
	return table, conv, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (t *sqliteTx) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	table, conv, err := t.lookupTable(ctx, id)
	if err != nil {
		return nil, err
	}
	row := t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+` FROM %q WHERE id = ?
	`, table), id[:])
	msg, err := scanMessage(row, conv)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying message", err)
	}
	return msg, nil
}

// UpdateMessage writes the mutable columns of an existing message.
func (t *sqliteTx) UpdateMessage(ctx context.Context, msg *Message) error {
	table, _, err := t.lookupTable(ctx, msg.ID)
	if err != nil {
		return err
	}
	content := msg.Content
	if content == nil {
		content = []byte{}
	}
	result, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %q
		SET modified_at = ?, content = ?, tombstoned = ?, broadcast_acked_at = ?
		WHERE id = ?
	`, table), nullNanos(msg.ModifiedAt), content, msg.Tombstoned, nullNanos(msg.BroadcastAckedAt), msg.ID[:])
	if err != nil {
		return classify("updating message", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify("getting rows affected", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	t.store.logger.Debug("updated message", "id", msg.ID)
	return nil
}

// LatestMessage returns the last message of a conversation in (created_at, id) order.
func (t *sqliteTx) LatestMessage(ctx context.Context, conversationID uuid.UUID) (*Message, error) {
	table := MessageTable(conversationID)
	exists, err := t.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	row := t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+` FROM %q ORDER BY created_at DESC, id DESC LIMIT 1
	`, table))
	msg, err := scanMessage(row, conversationID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying latest message", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages strictly after the cursor,
// ordered by (created_at, id). A limit of 0 or less returns every message.
func (t *sqliteTx) ListMessages(ctx context.Context, conversationID uuid.UUID, after Cursor, limit int) ([]*Message, error) {
	table := MessageTable(conversationID)
	exists, err := t.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []*Message{}, nil
	}
	if limit <= 0 {
		limit = -1
	}

	at := nanos(after.CreatedAt)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+` FROM %q
		WHERE created_at > ? OR (created_at = ? AND id > ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, table), at, at, after.ID[:], limit)
	if err != nil {
		return nil, classify("querying messages", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows, conversationID)
		if err != nil {
			return nil, classify("scanning message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterating message rows", err)
	}
	return messages, nil
}

// MessagesMatching returns every message stored in tables matching pattern.
func (t *sqliteTx) MessagesMatching(ctx context.Context, pattern string) ([]*Message, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	tables, err := t.store.listTables(ctx, t.tx, pattern)
	if err != nil {
		return nil, classify("listing message tables", err)
	}

	messages := []*Message{}
	for _, table := range tables {
		rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT m.id, m.author_id, m.created_at, m.modified_at, m.content, m.tombstoned,
			       m.broadcast_acked_at, i.conversation_id
			FROM %q m JOIN message_index i ON i.message_id = m.id
			ORDER BY m.created_at ASC, m.id ASC
		`, table))
		if err != nil {
			return nil, classify("querying messages", err)
		}
		for rows.Next() {
			var m Message
			var rawID, rawAuthor, rawConv []byte
			var createdAt int64
			var modifiedAt, ackedAt sql.NullInt64
			if err := rows.Scan(&rawID, &rawAuthor, &createdAt, &modifiedAt, &m.Content, &m.Tombstoned, &ackedAt, &rawConv); err != nil {
				rows.Close()
				return nil, classify("scanning message row", err)
			}
			if m.ID, err = scanUUID(rawID); err == nil {
				if m.AuthorID, err = scanUUID(rawAuthor); err == nil {
					m.ConversationID, err = scanUUID(rawConv)
				}
			}
			if err != nil {
				rows.Close()
				return nil, err
			}
			m.CreatedAt = fromNanos(createdAt)
			m.ModifiedAt = timePtr(modifiedAt)
			m.BroadcastAckedAt = timePtr(ackedAt)
			messages = append(messages, &m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify("iterating message rows", err)
		}
	}
	return messages, nil
}

// InsertDelivery inserts a delivery record.
// Returns ErrDuplicateID if the (message, recipient) pair already has one.
func (t *sqliteTx) InsertDelivery(ctx context.Context, d *Delivery) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deliveries (message_id, recipient_id, conversation_id, state, state_at, seq)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM deliveries WHERE message_id = ?))
	`, d.MessageID[:], d.RecipientID[:], d.ConversationID[:], d.State, nanos(d.StateAt), d.MessageID[:])
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return classify("inserting delivery", err)
	}
	return nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var rawMsg, rawRecipient, rawConv []byte
	var stateAt int64
	if err := row.Scan(&rawMsg, &rawRecipient, &rawConv, &d.State, &stateAt); err != nil {
		return nil, err
	}
	var err error
	if d.MessageID, err = scanUUID(rawMsg); err != nil {
		return nil, err
	}
	if d.RecipientID, err = scanUUID(rawRecipient); err != nil {
		return nil, err
	}
	if d.ConversationID, err = scanUUID(rawConv); err != nil {
		return nil, err
	}
	d.StateAt = fromNanos(stateAt)
	return &d, nil
}

// GetDelivery retrieves the delivery record of one recipient.
// Returns ErrNotFound if none exists.
func (t *sqliteTx) GetDelivery(ctx context.Context, messageID, recipientID uuid.UUID) (*Delivery, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT message_id, recipient_id, conversation_id, state, state_at
		FROM deliveries
		WHERE message_id = ? AND recipient_id = ?
	`, messageID[:], recipientID[:])
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying delivery", err)
	}
	return d, nil
}

func (t *sqliteTx) UpdateDelivery(ctx context.Context, d *Delivery) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE deliveries SET state = ?, state_at = ?
		WHERE message_id = ? AND recipient_id = ?
	`, d.State, nanos(d.StateAt), d.MessageID[:], d.RecipientID[:])
	if err != nil {
		return classify("updating delivery", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify("getting rows affected", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	t.store.logger.Debug("updated delivery", "message_id", d.MessageID, "recipient_id", d.RecipientID, "state", d.State)
	return nil
}

// ListDeliveries returns a message's delivery records in insertion order.
func (t *sqliteTx) ListDeliveries(ctx context.Context, messageID uuid.UUID) ([]*Delivery, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT message_id, recipient_id, conversation_id, state, state_at
		FROM deliveries
		WHERE message_id = ?
		ORDER BY seq ASC
	`, messageID[:])
	if err != nil {
		return nil, classify("querying deliveries", err)
	}
	defer rows.Close()

	deliveries := []*Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, classify("scanning delivery row", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterating delivery rows", err)
	}
	return deliveries, nil
}

// PutFile inserts f with one reference or increments the existing row.
// The insert and the increment run in this transaction, so at most one row
// per digest is ever created.
func (t *sqliteTx) PutFile(ctx context.Context, f *CachedFile) (int64, bool, error) {
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO cached_files (digest, name, size, data, ref_count, created_at, zero_since)
		VALUES (?, ?, ?, ?, 1, ?, NULL)
		ON CONFLICT(digest) DO NOTHING
	`, f.Digest[:], f.Name, f.Size, data, nanos(f.CreatedAt))
	if err != nil {
		return 0, false, classify("inserting cached file", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, classify("getting rows affected", err)
	}
	if rowsAffected > 0 {
		t.store.logger.Debug("cached new file", "digest", f.Digest.String(), "size", f.Size)
		return 1, true, nil
	}

	var refs int64
	err = t.tx.QueryRowContext(ctx, `
		UPDATE cached_files SET ref_count = ref_count + 1, zero_since = NULL
		WHERE digest = ?
		RETURNING ref_count
	`, f.Digest[:]).Scan(&refs)
	if err != nil {
		return 0, false, classify("incrementing cached file", err)
	}
	return refs, false, nil
}

// AdjustFileRefs adds delta to a file's reference count and returns the new count.
func (t *sqliteTx) AdjustFileRefs(ctx context.Context, digest ident.Digest, delta int64, now time.Time) (int64, error) {
	var refs int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE cached_files
		SET ref_count = ref_count + ?,
		    zero_since = CASE WHEN ref_count + ? = 0 THEN ? ELSE NULL END
		WHERE digest = ?
		RETURNING ref_count
	`, delta, delta, nanos(now), digest[:]).Scan(&refs)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, classify("adjusting file references", err)
	}
	return refs, nil
}

// GetFile retrieves a cached file by digest.
// Returns ErrNotFound if the file is not cached.
func (t *sqliteTx) GetFile(ctx context.Context, digest ident.Digest) (*CachedFile, error) {
	var f CachedFile
	var rawDigest []byte
	var createdAt int64
	var zeroSince sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT digest, name, size, data, ref_count, created_at, zero_since
		FROM cached_files
		WHERE digest = ?
	`, digest[:]).Scan(&rawDigest, &f.Name, &f.Size, &f.Data, &f.RefCount, &createdAt, &zeroSince)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying cached file", err)
	}
	if f.Digest, err = ident.DigestFromBytes(rawDigest); err != nil {
		return nil, err
	}
	if f.Data == nil {
		f.Data = []byte{}
	}
	f.CreatedAt = fromNanos(createdAt)
	f.ZeroSince = timePtr(zeroSince)
	return &f, nil
}

// RemoveStaleFiles deletes unreferenced files that reached zero at or before zeroBefore.
func (t *sqliteTx) RemoveStaleFiles(ctx context.Context, zeroBefore time.Time) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM cached_files
		WHERE ref_count = 0 AND zero_since IS NOT NULL AND zero_since <= ?
	`, nanos(zeroBefore))
	if err != nil {
		return 0, classify("removing stale files", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, classify("getting rows affected", err)
	}
	return int(rowsAffected), nil
}

// RemoveMatching drops matching message tables, their index rows, and their delivery records.
func (t *sqliteTx) RemoveMatching(ctx context.Context, pattern string) (int, error) {
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}
	tables, err := t.store.listTables(ctx, t.tx, pattern)
	if err != nil {
		return 0, classify("listing message tables", err)
	}

	removed := 0
	for _, table := range tables {
		var n int
		if err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n); err != nil {
			return 0, classify("counting messages", err)
		}
		if _, err := t.tx.ExecContext(ctx, `
			DELETE FROM deliveries
			WHERE message_id IN (SELECT message_id FROM message_index WHERE table_name = ?)
		`, table); err != nil {
			return 0, classify("removing deliveries", err)
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM message_index WHERE table_name = ?`, table); err != nil {
			return 0, classify("removing message index", err)
		}
		if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %q`, table)); err != nil {
			return 0, classify("dropping message table", err)
		}
		removed += n
	}
	if removed > 0 {
		t.store.logger.Debug("removed message tables", "pattern", pattern, "tables", len(tables), "messages", removed)
	}
	return removed, nil
}
