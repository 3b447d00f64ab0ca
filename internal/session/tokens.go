package session

import (
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenEstimator converts message text into a token count for the
// compaction budget. It must be deterministic: counters are re-derived by
// replaying logs through the same estimator.
type TokenEstimator interface {
	Estimate(text string) int
	Name() string
}

// HeuristicEstimator counts one token per four characters, rounded down.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int { return utf8.RuneCountInString(text) / 4 }
func (HeuristicEstimator) Name() string             { return "heuristic" }

// TiktokenEstimator uses a BPE encoding and falls back to the heuristic when
// the encoding cannot be loaded (offline hosts have no BPE cache).
type TiktokenEstimator struct {
	mu       sync.Mutex
	enc      *tiktoken.Tiktoken
	encoding string
	fallback HeuristicEstimator
}

func NewTiktokenEstimator(encoding string) *TiktokenEstimator {
	if strings.TrimSpace(encoding) == "" {
		encoding = "cl100k_base"
	}
	t := &TiktokenEstimator{encoding: encoding}
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		t.enc = enc
	}
	return t
}

// Precise reports whether the BPE encoding loaded.
func (t *TiktokenEstimator) Precise() bool { return t.enc != nil }

func (t *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if t.enc == nil {
		return t.fallback.Estimate(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenEstimator) Name() string {
	if t.enc == nil {
		return "tiktoken(" + t.encoding + ",fallback)"
	}
	return "tiktoken(" + t.encoding + ")"
}

// NewEstimator picks an estimator by config name.
func NewEstimator(name string) TokenEstimator {
	if strings.EqualFold(strings.TrimSpace(name), "tiktoken") {
		return NewTiktokenEstimator("cl100k_base")
	}
	return HeuristicEstimator{}
}
