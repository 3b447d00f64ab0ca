package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autoreply/pkg/logx"
)

// RebuildReport summarizes a Rebuild pass.
type RebuildReport struct {
	Logs     int `json:"logs"`
	Sessions int `json:"sessions"`
	Added    int `json:"added"`
	Fixed    int `json:"fixed"`
	Removed  int `json:"removed"`
	Skipped  int `json:"skipped"`
	Renamed  int `json:"renamed"`
}

// Rebuild re-derives metadata from every log on disk and repairs the index.
// Logs that end in a reset marker belong to no live session. Entries without a
// log survive only while they have no messages (freshly created sessions).
// Logs written under an older naming scheme are moved to their current name
// when that name is free.
func (s *Store) Rebuild(ctx context.Context) (RebuildReport, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return RebuildReport{}, err
	}
	return s.rebuildFrom(ctx, entries)
}

func (s *Store) rebuildFrom(ctx context.Context, entries []os.DirEntry) (RebuildReport, error) {
	var rep RebuildReport
	seen := map[string]bool{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, logExt) {
			continue
		}
		rep.Logs++

		key, md, err := s.deriveFromLog(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			return rep, err
		}
		if key == "" {
			rep.Skipped++
			continue
		}
		if want := fileName(key); want != name {
			moved, err := s.renameLegacy(key, name, want)
			if err != nil {
				return rep, err
			}
			if !moved {
				s.log.Warn("session log name does not match its sender; skipping", logx.String("file", name), logx.String("session", key))
				rep.Skipped++
				continue
			}
			rep.Renamed++
		}
		seen[key] = true
		if md == nil {
			continue
		}
		s.mergeDerived(key, md, &rep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, md := range s.meta {
		if seen[key] || md.MessageCount == 0 {
			continue
		}
		// A log that appeared after the listing belongs to a live sender.
		if live, err := exists(s.logPath(key)); err != nil || live {
			continue
		}
		delete(s.meta, key)
		rep.Removed++
	}
	rep.Sessions = len(s.meta)
	if err := s.persistLocked(); err != nil {
		return rep, err
	}
	return rep, nil
}

// renameLegacy moves name to want unless want already exists.
func (s *Store) renameLegacy(key, name, want string) (bool, error) {
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()
	dst := filepath.Join(s.cfg.Dir, want)
	if taken, err := exists(dst); err != nil || taken {
		return false, err
	}
	if err := os.Rename(filepath.Join(s.cfg.Dir, name), dst); err != nil {
		return false, fmt.Errorf("rename %s: %w", name, err)
	}
	s.log.Info("session log renamed", logx.String("from", name), logx.String("to", want))
	return true, nil
}

func (s *Store) deriveFromLog(path string) (string, *Metadata, error) {
	// Lock by the key the file belongs to once we know it; reading without the
	// lock first is fine because a torn tail line is skipped.
	msgs, _, err := readLog(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	key := ""
	for _, m := range msgs {
		if m.SenderID != "" {
			key = KeyFor(m.SenderID)
			break
		}
	}
	if key == "" {
		return "", nil, nil
	}

	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()
	msgs, _, err = readLog(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	return key, Derive(key, msgs, s.est), nil
}

func (s *Store) mergeDerived(key string, md *Metadata, rep *RebuildReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.meta[key]
	switch {
	case cur == nil:
		s.meta[key] = md
		rep.Added++
	case cur.MessageCount != md.MessageCount || cur.EstimatedTokens != md.EstimatedTokens:
		cur.MessageCount = md.MessageCount
		cur.EstimatedTokens = md.EstimatedTokens
		if md.LastActivity.After(cur.LastActivity) {
			cur.LastActivity = md.LastActivity
		}
		rep.Fixed++
	}
	if cur := s.meta[key]; cur.SenderName == "" {
		cur.SenderName = md.SenderName
	}
}

// Derive replays msgs into metadata exactly as Append and Compact would have
// produced it. It returns nil when the log ends in a reset marker or is empty.
func Derive(key string, msgs []Message, est TokenEstimator) *Metadata {
	if est == nil {
		est = HeuristicEstimator{}
	}
	var (
		md       *Metadata
		lastSeen time.Time
	)
	for _, m := range msgs {
		if m.Kind == KindReset {
			md = nil
			lastSeen = time.Time{}
			continue
		}
		if md == nil {
			md = &Metadata{SessionKey: key, CreatedAt: m.Timestamp}
		}
		md.MessageCount++
		md.EstimatedTokens += est.Estimate(m.Content)
		if m.Kind == KindNormal || lastSeen.IsZero() {
			lastSeen = m.Timestamp
		}
		if name := strings.TrimSpace(m.SenderName); name != "" {
			md.SenderName = name
		}
	}
	if md != nil {
		md.LastActivity = lastSeen
	}
	return md
}
