package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "autoreply/pkg/logx"
)

type Config struct {
	Dir              string
	IdleReset        time.Duration
	MaxHistoryTokens int
	Estimator        TokenEstimator
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

// WithResetHook registers fn to run after every reset, idle or manual. It is
// called with the key's lock held and must not call back into the Store for
// that key.
func WithResetHook(fn func(key string)) Option {
	return func(s *Store) { s.onReset = fn }
}

// Store owns every session log under Dir and the metadata index mirroring them.
//
// Lock order: per-key lock, then mu. Log I/O for one sender never blocks another.
type Store struct {
	cfg Config
	est TokenEstimator
	log logx.Logger
	now func() time.Time

	onReset func(key string)

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	mu   sync.Mutex
	meta map[string]*Metadata
}

func Open(cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("session storage dir is required")
	}
	if cfg.IdleReset <= 0 {
		cfg.IdleReset = time.Hour
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = 50000
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicEstimator{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:  cfg,
		est:  cfg.Estimator,
		log:  log,
		now:  time.Now,
		keys: map[string]*sync.Mutex{},
		meta: map[string]*Metadata{},
	}
	for _, o := range opts {
		o(s)
	}

	loaded, err := s.loadIndex()
	if err != nil {
		s.log.Warn("session index unreadable; rebuilding from logs", logx.Err(err))
	}
	if !loaded {
		rep, err := s.Rebuild(context.Background())
		if err != nil {
			return nil, fmt.Errorf("rebuild session index: %w", err)
		}
		if rep.Sessions > 0 {
			s.log.Info("session index rebuilt", logx.Int("sessions", rep.Sessions))
		}
	}
	return s, nil
}

// Estimator is the configured token estimator.
func (s *Store) Estimator() TokenEstimator { return s.est }

func (s *Store) indexPath() string         { return filepath.Join(s.cfg.Dir, indexName) }
func (s *Store) logPath(key string) string { return filepath.Join(s.cfg.Dir, fileName(key)) }

func (s *Store) keyLock(key string) *sync.Mutex {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	l := s.keys[key]
	if l == nil {
		l = &sync.Mutex{}
		s.keys[key] = l
	}
	return l
}

// loadIndex reports false when there is no usable index on disk.
func (s *Store) loadIndex() (bool, error) {
	b, err := os.ReadFile(s.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m := map[string]*Metadata{}
	if err := json.Unmarshal(b, &m); err != nil {
		return false, err
	}
	for k, v := range m {
		if v == nil {
			delete(m, k)
			continue
		}
		v.SessionKey = k
	}
	s.mu.Lock()
	s.meta = m
	s.mu.Unlock()
	return true, nil
}

// persistLocked writes the whole index. Caller holds mu.
func (s *Store) persistLocked() error {
	b, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.indexPath(), b); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

// GetOrCreate returns senderID's session key, creating the session when absent
// and resetting it first when it has been idle longer than IdleReset.
func (s *Store) GetOrCreate(ctx context.Context, senderID, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := KeyFor(senderID)
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	now := s.now()
	s.mu.Lock()
	md, ok := s.meta[key]
	var idle time.Duration
	if ok {
		idle = now.Sub(md.LastActivity)
	}
	s.mu.Unlock()

	if ok && idle <= s.cfg.IdleReset {
		return key, nil
	}
	if ok {
		s.log.Info("session idle; resetting", logx.Sender(senderID), logx.Duration("idle", idle))
		if err := s.resetLocked(key, "idle timeout"); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = &Metadata{
		SessionKey:   key,
		LastActivity: now,
		CreatedAt:    now,
		SenderName:   strings.TrimSpace(name),
	}
	if err := s.persistLocked(); err != nil {
		delete(s.meta, key)
		return "", err
	}
	return key, nil
}

// Append writes msg to the session log, then updates the metadata counters.
// Reset markers are not counted; everything else is.
func (s *Store) Append(ctx context.Context, key string, msg Message) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.SenderID == "" {
		msg.SenderID = SenderOf(key)
	}

	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	if err := appendLine(s.logPath(key), msg); err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.meta[key]
	if md == nil {
		md = &Metadata{SessionKey: key, CreatedAt: msg.Timestamp}
		s.meta[key] = md
	}
	if msg.Kind != KindReset {
		md.MessageCount++
		md.EstimatedTokens += s.est.Estimate(msg.Content)
	}
	md.LastActivity = msg.Timestamp
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		md.SenderName = name
	}
	return s.persistLocked()
}

// History replays the session log. A missing session has an empty history.
func (s *Store) History(ctx context.Context, key string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	msgs, skipped, err := readLog(s.logPath(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if skipped > 0 {
		s.log.Warn("skipped undecodable session lines", logx.String("session", key), logx.Int("skipped", skipped))
	}
	return msgs, nil
}

// ReplyInput projects history into reply backend turns. Compaction summaries
// become a bracketed user turn; other system messages are dropped.
func (s *Store) ReplyInput(ctx context.Context, key string) ([]Turn, error) {
	msgs, err := s.History(ctx, key)
	if err != nil {
		return nil, err
	}
	return Project(msgs), nil
}

// Project is the pure half of ReplyInput.
func Project(msgs []Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser, RoleAssistant:
			out = append(out, Turn{Role: m.Role, Content: m.Content})
		case RoleSystem:
			if m.Kind == KindCompaction {
				out = append(out, Turn{Role: RoleUser, Content: SummaryTurn(m.Content)})
			}
		}
	}
	return out
}

// NeedsCompaction reports whether the running estimate exceeds the budget.
func (s *Store) NeedsCompaction(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.meta[key]
	return md != nil && md.EstimatedTokens > s.cfg.MaxHistoryTokens
}

// Compact atomically replaces the whole log with a single summary message.
func (s *Store) Compact(ctx context.Context, key, summary string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	now := s.now()
	msg := Message{
		Role:      RoleSystem,
		Content:   summary,
		Timestamp: now,
		SenderID:  SenderOf(key),
		Kind:      KindCompaction,
	}
	if err := writeSingle(s.logPath(key), msg); err != nil {
		return fmt.Errorf("compact %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.meta[key]
	if md == nil {
		md = &Metadata{SessionKey: key, CreatedAt: now, LastActivity: now}
		s.meta[key] = md
	}
	md.MessageCount = 1
	md.EstimatedTokens = s.est.Estimate(summary)
	return s.persistLocked()
}

// Reset overwrites an existing log with a reset marker and drops the
// session's metadata, so the next GetOrCreate starts fresh.
func (s *Store) Reset(ctx context.Context, key, reason string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()
	return s.resetLocked(key, reason)
}

// resetLocked requires the key lock.
func (s *Store) resetLocked(key, reason string) error {
	path := s.logPath(key)
	ok, err := exists(path)
	if err != nil {
		return err
	}
	if ok {
		msg := Message{
			Role:      RoleSystem,
			Content:   ResetText(reason),
			Timestamp: s.now(),
			SenderID:  SenderOf(key),
			Kind:      KindReset,
		}
		if err := writeSingle(path, msg); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
	}

	s.mu.Lock()
	_, had := s.meta[key]
	if had {
		delete(s.meta, key)
		err = s.persistLocked()
	}
	s.mu.Unlock()
	if err == nil && s.onReset != nil {
		s.onReset(key)
	}
	return err
}

// Metadata returns a copy of one session's metadata.
func (s *Store) Metadata(key string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.meta[key]
	if md == nil {
		return Metadata{}, false
	}
	return *md, true
}

// Sessions lists all live sessions, most recently active first.
func (s *Store) Sessions() []Metadata {
	s.mu.Lock()
	out := make([]Metadata, 0, len(s.meta))
	for _, md := range s.meta {
		out = append(out, *md)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionKey < out[j].SessionKey
	})
	return out
}

// Count is the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meta)
}
