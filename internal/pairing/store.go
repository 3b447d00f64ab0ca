package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "autoreply/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrClosed = errors.New("contact store closed")

type Config struct {
	Path        string
	CodeLength  int
	CodeExpiry  time.Duration
	BusyTimeout time.Duration
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the code source.
func WithRandom(r io.Reader) Option {
	return func(s *Store) {
		if r != nil {
			s.rand = r
		}
	}
}

// Store persists contacts in SQLite. Every write is committed before it returns.
type Store struct {
	db   *sql.DB
	log  logx.Logger
	cfg  Config
	now  func() time.Time
	rand io.Reader
}

func Open(cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("pairing db path is required")
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.CodeExpiry <= 0 {
		cfg.CodeExpiry = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: serialized writers, and pragmas below stick.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: an approval or block must survive a crash right after we return.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	s := &Store{db: db, log: log, cfg: cfg, now: time.Now, rand: rand.Reader}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CodeExpiry is the configured lifetime of a pairing code.
func (s *Store) CodeExpiry() time.Duration { return s.cfg.CodeExpiry }

const contactColumns = `sender_id, status, pairing_code, code_expires_at, approved_at, display_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(r rowScanner) (Contact, error) {
	var (
		c                    Contact
		status               string
		code, name           sql.NullString
		expires, approved    sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := r.Scan(&c.SenderID, &status, &code, &expires, &approved, &name, &createdAt, &updatedAt); err != nil {
		return Contact{}, err
	}
	c.Status = Status(status)
	c.PairingCode = code.String
	c.DisplayName = name.String
	c.CodeExpiresAt = fromMillis(expires)
	c.ApprovedAt = fromMillis(approved)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return c, nil
}

// Get returns the stored contact, or an Unknown placeholder when absent.
func (s *Store) Get(ctx context.Context, senderID string) (Contact, error) {
	if s == nil || s.db == nil {
		return Contact{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE sender_id = ?`, senderID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{SenderID: senderID, Status: StatusUnknown}, nil
	}
	if err != nil {
		return Contact{}, fmt.Errorf("get contact %s: %w", senderID, err)
	}
	return c, nil
}

// CheckAccess returns the effective status. A pending contact whose code has
// expired is persisted back to Unknown before returning.
func (s *Store) CheckAccess(ctx context.Context, senderID string) (Status, error) {
	c, err := s.Get(ctx, senderID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if !IsExpired(c, now) {
		return c.Status, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE contacts SET status = 'unknown', pairing_code = NULL, code_expires_at = NULL, updated_at = ?
		 WHERE sender_id = ? AND status = 'pending'`,
		now.UnixMilli(), senderID,
	)
	if err != nil {
		return "", fmt.Errorf("expire contact %s: %w", senderID, err)
	}
	s.log.Info("pairing code expired", logx.Sender(senderID))
	return StatusUnknown, nil
}

// GenerateCode issues a fresh code and marks the contact Pending.
// An empty name keeps whatever display name is already stored.
func (s *Store) GenerateCode(ctx context.Context, senderID, name string) (string, time.Time, error) {
	if s == nil || s.db == nil {
		return "", time.Time{}, ErrClosed
	}
	code, err := s.randomCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	now := s.now()
	expires := now.Add(s.cfg.CodeExpiry)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts(sender_id, status, pairing_code, code_expires_at, display_name, created_at, updated_at)
		 VALUES(?, 'pending', ?, ?, ?, ?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET
		   status = 'pending',
		   pairing_code = excluded.pairing_code,
		   code_expires_at = excluded.code_expires_at,
		   display_name = COALESCE(excluded.display_name, contacts.display_name),
		   updated_at = excluded.updated_at`,
		senderID, code, expires.UnixMilli(), nullStr(name), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store pairing code for %s: %w", senderID, err)
	}
	return code, expires, nil
}

// Approve marks the contact Approved, creating it if needed. Approving an
// already approved contact keeps the original approval time.
func (s *Store) Approve(ctx context.Context, senderID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(sender_id, status, approved_at, created_at, updated_at)
		 VALUES(?, 'approved', ?, ?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET
		   approved_at = CASE WHEN contacts.status = 'approved' AND contacts.approved_at IS NOT NULL
		                      THEN contacts.approved_at ELSE excluded.approved_at END,
		   status = 'approved',
		   pairing_code = NULL,
		   code_expires_at = NULL,
		   updated_at = excluded.updated_at`,
		senderID, now, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("approve %s: %w", senderID, err)
	}
	return true, nil
}

// ApproveByCode approves the single pending contact holding code, if it has
// not expired. ok is false when no such contact exists; nothing is modified then.
func (s *Store) ApproveByCode(ctx context.Context, code string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE pairing_code = ? AND status = 'pending'`, code)
	if err != nil {
		return "", false, fmt.Errorf("lookup code: %w", err)
	}
	now := s.now()
	var live []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			_ = rows.Close()
			return "", false, err
		}
		if !IsExpired(c, now) {
			live = append(live, c)
		}
	}
	if err := rows.Close(); err != nil {
		return "", false, err
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	if len(live) != 1 {
		if len(live) > 1 {
			s.log.Warn("pairing code matches several pending contacts; refusing", logx.Int("matches", len(live)))
		}
		return "", false, nil
	}

	id := live[0].SenderID
	_, err = tx.ExecContext(ctx,
		`UPDATE contacts SET status = 'approved', approved_at = ?, pairing_code = NULL, code_expires_at = NULL, updated_at = ?
		 WHERE sender_id = ?`,
		now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return "", false, fmt.Errorf("approve %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Block marks the contact Blocked unconditionally.
func (s *Store) Block(ctx context.Context, senderID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(sender_id, status, created_at, updated_at)
		 VALUES(?, 'blocked', ?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET
		   status = 'blocked',
		   pairing_code = NULL,
		   code_expires_at = NULL,
		   updated_at = excluded.updated_at`,
		senderID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("block %s: %w", senderID, err)
	}
	return true, nil
}

// List returns contacts, most recently updated first. An empty status lists all.
func (s *Store) List(ctx context.Context, status Status) ([]Contact, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT ` + contactColumns + ` FROM contacts`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC, sender_id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	out := []Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) randomCode() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < s.cfg.CodeLength; i++ {
		n, err := rand.Int(s.rand, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
