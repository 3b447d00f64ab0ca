package session

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "autoreply/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)} }

func openAt(t *testing.T, dir string, clock *fakeClock, max int) *Store {
	t.Helper()
	st, err := Open(Config{Dir: dir, IdleReset: time.Hour, MaxHistoryTokens: max}, logx.Nop(), WithClock(clock.Now))
	require.NoError(t, err)
	return st
}

func TestAppendHistoryRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newClock()

	st := openAt(t, dir, clock, 1000)
	key, err := st.GetOrCreate(ctx, "a@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	require.Equal(t, "chat:a@s.whatsapp.net", key)

	ts := clock.Now().Add(-time.Minute)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "hello there", Timestamp: ts}))

	st2 := openAt(t, dir, clock, 1000)
	msgs, err := st2.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "hello there", msgs[0].Content)
	require.True(t, msgs[0].Timestamp.Equal(ts))

	md, ok := st2.Metadata(key)
	require.True(t, ok)
	require.Equal(t, 1, md.MessageCount)
	require.Equal(t, 2, md.EstimatedTokens)
	require.Equal(t, "Alice", md.SenderName)
}

func TestHistoryOfMissingSessionIsEmpty(t *testing.T) {
	st := openAt(t, t.TempDir(), newClock(), 1000)
	msgs, err := st.History(context.Background(), KeyFor("ghost"))
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAppendRejectsEmptyKey(t *testing.T) {
	st := openAt(t, t.TempDir(), newClock(), 1000)
	require.ErrorIs(t, st.Append(context.Background(), "", Message{Role: RoleUser, Content: "x"}), ErrEmptyKey)
}

func TestCompactTwiceKeepsOnlyLastSummary(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 1000)
	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "some content here"}))
	}

	require.NoError(t, st.Compact(ctx, key, "S1"))
	require.NoError(t, st.Compact(ctx, key, "S2 summary"))

	msgs, err := st.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "S2 summary", msgs[0].Content)
	require.Equal(t, KindCompaction, msgs[0].Kind)
	require.Equal(t, RoleSystem, msgs[0].Role)

	md, _ := st.Metadata(key)
	require.Equal(t, 1, md.MessageCount)
	require.Equal(t, HeuristicEstimator{}.Estimate("S2 summary"), md.EstimatedTokens)
}

func TestIdleSessionIsResetOnNextAccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newClock()
	st := openAt(t, dir, clock, 1000)

	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "old"}))

	clock.Advance(59 * time.Minute)
	_, err = st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	md, _ := st.Metadata(key)
	require.Equal(t, 1, md.MessageCount, "within the idle window nothing resets")

	clock.Advance(61 * time.Minute)
	again, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, key, again)

	md, ok := st.Metadata(key)
	require.True(t, ok)
	require.Zero(t, md.MessageCount)
	require.True(t, md.CreatedAt.Equal(clock.Now()))

	msgs, err := st.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindReset, msgs[0].Kind)
	require.Equal(t, "Session reset: idle timeout", msgs[0].Content)

	turns, err := st.ReplyInput(ctx, key)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestResetDropsMetadata(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 1000)
	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "hi"}))

	require.NoError(t, st.Reset(ctx, key, "manual"))
	_, ok := st.Metadata(key)
	require.False(t, ok)
	require.Zero(t, st.Count())

	// No log, no marker.
	other := KeyFor("never")
	require.NoError(t, st.Reset(ctx, other, "manual"))
	_, err = os.Stat(filepath.Join(st.cfg.Dir, fileName(other)))
	require.True(t, os.IsNotExist(err))
}

func TestResetHookSeesIdleAndManualResets(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var reset []string
	st, err := Open(Config{Dir: t.TempDir(), IdleReset: time.Hour, MaxHistoryTokens: 1000}, logx.Nop(),
		WithClock(clock.Now), WithResetHook(func(key string) { reset = append(reset, key) }))
	require.NoError(t, err)

	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "hi"}))
	clock.Advance(2 * time.Hour)
	_, err = st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Reset(ctx, key, "manual"))
	require.Equal(t, []string{key, key}, reset)
}

func TestProjectRewritesCompactionAndDropsOtherSystem(t *testing.T) {
	turns := Project([]Message{
		{Role: RoleSystem, Kind: KindReset, Content: "Session reset: x"},
		{Role: RoleSystem, Kind: KindCompaction, Content: "they talked"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleSystem, Content: "note"},
	})
	require.Equal(t, []Turn{
		{Role: RoleUser, Content: "[Previous conversation summary: they talked]"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, turns)
}

func TestNeedsCompactionIsStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 10)
	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)

	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: strings.Repeat("x", 40)}))
	require.False(t, st.NeedsCompaction(key))
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "abcd"}))
	require.True(t, st.NeedsCompaction(key))
	require.False(t, st.NeedsCompaction(KeyFor("ghost")))
}

func TestRebuildMatchesLiveCounters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newClock()
	st := openAt(t, dir, clock, 1000)

	a, err := st.GetOrCreate(ctx, "a", "Alice")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleUser, Content: "first message"}))
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleAssistant, Content: "a reply of some length"}))
	require.NoError(t, st.Compact(ctx, a, "summary text"))
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleUser, Content: "after compaction", SenderName: "Alice"}))

	b, err := st.GetOrCreate(ctx, "b", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, b, Message{Role: RoleUser, Content: "bye"}))
	require.NoError(t, st.Reset(ctx, b, "manual"))

	live, _ := st.Metadata(a)
	require.NoError(t, os.Remove(filepath.Join(dir, indexName)))

	st2 := openAt(t, dir, clock, 1000)
	got, ok := st2.Metadata(a)
	require.True(t, ok)
	require.Equal(t, live.MessageCount, got.MessageCount)
	require.Equal(t, live.EstimatedTokens, got.EstimatedTokens)
	require.Equal(t, "Alice", got.SenderName)

	_, ok = st2.Metadata(b)
	require.False(t, ok, "a log ending in a reset marker is not a live session")
	require.Equal(t, 1, st2.Count())
}

func TestRebuildRepairsDriftedIndex(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 1000)
	a, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleUser, Content: "12345678"}))

	st.mu.Lock()
	st.meta[a].MessageCount = 9
	st.meta[KeyFor("stale")] = &Metadata{SessionKey: KeyFor("stale"), MessageCount: 3}
	st.meta[KeyFor("fresh")] = &Metadata{SessionKey: KeyFor("fresh")}
	st.mu.Unlock()

	rep, err := st.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Logs)
	require.Equal(t, 1, rep.Fixed)
	require.Equal(t, 1, rep.Removed)
	require.Equal(t, 2, rep.Sessions)

	md, _ := st.Metadata(a)
	require.Equal(t, 1, md.MessageCount)
	require.Equal(t, 2, md.EstimatedTokens)
}

func TestRebuildKeepsSenderCreatedAfterListing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openAt(t, dir, newClock(), 1000)
	a, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleUser, Content: "hi", SenderID: "a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	late, err := st.GetOrCreate(ctx, "late", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, late, Message{Role: RoleUser, Content: "hello", SenderID: "late"}))

	rep, err := st.rebuildFrom(ctx, entries)
	require.NoError(t, err)
	require.Zero(t, rep.Removed)
	md, ok := st.Metadata(late)
	require.True(t, ok)
	require.Equal(t, 1, md.MessageCount)
}

func TestRebuildRenamesLegacyLogName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openAt(t, dir, newClock(), 1000)
	key, err := st.GetOrCreate(ctx, "a@s.whatsapp.net", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "hi", SenderID: "a@s.whatsapp.net"}))

	legacy := filepath.Join(dir, "chat_a@s.whatsapp.net.jsonl")
	require.NoError(t, os.Rename(st.logPath(key), legacy))

	rep, err := st.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Renamed)
	require.Zero(t, rep.Skipped)
	_, err = os.Stat(legacy)
	require.True(t, os.IsNotExist(err))

	msgs, err := st.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSessionsOrderedByActivity(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	st := openAt(t, t.TempDir(), clock, 1000)
	_, err := st.GetOrCreate(ctx, "old", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = st.GetOrCreate(ctx, "new", "")
	require.NoError(t, err)

	list := st.Sessions()
	require.Len(t, list, 2)
	require.Equal(t, KeyFor("new"), list[0].SessionKey)
	require.Equal(t, KeyFor("old"), list[1].SessionKey)
}

func TestFileNameIsFlat(t *testing.T) {
	require.Equal(t, "chat%3Aa@s.whatsapp.net.jsonl", fileName("chat:a@s.whatsapp.net"))
	require.Equal(t, "chat%3A..%2Fetc%2Fpasswd.jsonl", fileName("chat:../etc/passwd"))
	require.Equal(t, "%2E.%2F..%2Fx.jsonl", fileName("../../x"))
	require.NotContains(t, fileName("../../x"), "/")
}

func TestFileNameIsOneToOne(t *testing.T) {
	keys := []string{
		"chat:alice/x", "chat:alice_x", "chat:alice%5Fx", "chat:alice:x",
		"chat:Alice", "chat:alice", "chat:a b", "chat:a+b", ".x", "%2Ex", "",
	}
	names := map[string]string{}
	for _, k := range keys {
		name := fileName(k)
		require.NotContains(t, name, "/")
		prev, dup := names[name]
		require.False(t, dup, "%q and %q share %s", prev, k, name)
		names[name] = k
		if k == "" {
			continue
		}
		back, err := url.PathUnescape(strings.TrimSuffix(name, logExt))
		require.NoError(t, err)
		require.Equal(t, k, back)
	}
}

func TestCollidingLegacyNamesKeepSeparateHistories(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 1000)
	a, err := st.GetOrCreate(ctx, "alice/x", "")
	require.NoError(t, err)
	b, err := st.GetOrCreate(ctx, "alice_x", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, a, Message{Role: RoleUser, Content: "from slash", SenderID: "alice/x"}))
	require.NoError(t, st.Append(ctx, b, Message{Role: RoleUser, Content: "from underscore", SenderID: "alice_x"}))

	ha, err := st.History(ctx, a)
	require.NoError(t, err)
	require.Len(t, ha, 1)
	require.Equal(t, "from slash", ha[0].Content)
	hb, err := st.History(ctx, b)
	require.NoError(t, err)
	require.Len(t, hb, 1)
	require.Equal(t, "from underscore", hb[0].Content)

	rep, err := st.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Logs)
	require.Zero(t, rep.Skipped)
	require.Equal(t, 2, rep.Sessions)
}

func TestTornTailLineIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := openAt(t, t.TempDir(), newClock(), 1000)
	key, err := st.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, key, Message{Role: RoleUser, Content: "ok"}))

	f, err := os.OpenFile(st.logPath(key), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"role":"user","cont`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := st.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestEstimators(t *testing.T) {
	require.Equal(t, 2, HeuristicEstimator{}.Estimate("héllo wo"))
	require.Equal(t, 0, HeuristicEstimator{}.Estimate("abc"))

	tk := NewTiktokenEstimator("no_such_encoding")
	require.False(t, tk.Precise())
	require.Equal(t, HeuristicEstimator{}.Estimate("some words here"), tk.Estimate("some words here"))
	require.Contains(t, tk.Name(), "fallback")

	_, ok := NewEstimator("heuristic").(HeuristicEstimator)
	require.True(t, ok)
}
