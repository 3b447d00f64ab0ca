package pairing

import (
	"bytes"
	"context"
	"path/filepath"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
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

func openTestStore(t *testing.T, clock *fakeClock, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	st, err := Open(Config{
		Path:       filepath.Join(t.TempDir(), "contacts.db"),
		CodeLength: 6,
		CodeExpiry: 10 * time.Minute,
	}, logx.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	require.False(t, IsExpired(Contact{Status: StatusPending}, now), "pending without code never expires")
	require.False(t, IsExpired(Contact{Status: StatusPending, CodeExpiresAt: now}, now))
	require.True(t, IsExpired(Contact{Status: StatusPending, CodeExpiresAt: now.Add(-time.Second)}, now))
	require.False(t, IsExpired(Contact{Status: StatusApproved, CodeExpiresAt: now.Add(-time.Hour)}, now))
}

func TestGetDefaultsToUnknown(t *testing.T) {
	st := openTestStore(t, newFakeClock())
	c, err := st.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, c.Status)
	require.Equal(t, "nobody", c.SenderID)
}

func TestGenerateCodeCreatesPendingAndKeepsName(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock, WithRandom(bytes.NewReader(bytes.Repeat([]byte{7}, 64))))

	code, expires, err := st.GenerateCode(ctx, "a", "Alice")
	require.NoError(t, err)
	require.Len(t, code, 6)
	require.Regexp(t, `^[0-9]{6}$`, code)
	require.True(t, expires.Equal(clock.Now().Add(10*time.Minute)))

	_, _, err = st.GenerateCode(ctx, "a", "")
	require.NoError(t, err)

	c, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.Equal(t, "Alice", c.DisplayName)
	require.NotEmpty(t, c.PairingCode)
}

func TestCheckAccessIdempotentForApprovedAndBlocked(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	_, err := st.Approve(ctx, "a")
	require.NoError(t, err)
	_, err = st.Block(ctx, "b")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		s, err := st.CheckAccess(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, StatusApproved, s)
		s, err = st.CheckAccess(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, s)
	}
}

func TestCheckAccessExpiresPendingLazily(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	_, _, err := st.GenerateCode(ctx, "a", "")
	require.NoError(t, err)

	s, err := st.CheckAccess(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, s)

	clock.Advance(11 * time.Minute)

	// Not yet observed: the row still says pending.
	c, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)

	s, err = st.CheckAccess(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, s)

	c, err = st.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, c.Status)
	require.Empty(t, c.PairingCode)
}

func TestApproveByCode(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	code, _, err := st.GenerateCode(ctx, "a", "Alice")
	require.NoError(t, err)

	id, ok, err := st.ApproveByCode(ctx, code)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", id)

	c, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, c.Status)
	require.False(t, c.ApprovedAt.IsZero())
}

func TestApproveByCodeFailuresLeaveStatusesUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	code, _, err := st.GenerateCode(ctx, "a", "")
	require.NoError(t, err)
	_, _, err = st.GenerateCode(ctx, "b", "")
	require.NoError(t, err)

	snapshot := func() map[string]Status {
		all, err := st.List(ctx, "")
		require.NoError(t, err)
		m := map[string]Status{}
		for _, c := range all {
			m[c.SenderID] = c.Status
		}
		return m
	}
	before := snapshot()

	// never issued
	_, ok, err := st.ApproveByCode(ctx, "000000x")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, before, snapshot())

	// expired
	clock.Advance(11 * time.Minute)
	_, ok, err = st.ApproveByCode(ctx, code)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, before, snapshot())

	// consumed
	clock = newFakeClock()
	st2 := openTestStore(t, clock)
	code, _, err = st2.GenerateCode(ctx, "c", "")
	require.NoError(t, err)
	_, ok, err = st2.ApproveByCode(ctx, code)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = st2.ApproveByCode(ctx, code)
	require.NoError(t, err)
	require.False(t, ok)
	c, err := st2.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, c.Status)
}

func TestApproveKeepsFirstApprovalTime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	_, err := st.Approve(ctx, "a")
	require.NoError(t, err)
	first, err := st.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = st.Approve(ctx, "a")
	require.NoError(t, err)
	again, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, first.ApprovedAt.Equal(again.ApprovedAt))
	require.True(t, again.UpdatedAt.After(first.UpdatedAt))
}

func TestListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := openTestStore(t, clock)

	_, err := st.Approve(ctx, "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = st.Block(ctx, "b")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = st.Approve(ctx, "c")
	require.NoError(t, err)

	all, err := st.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"c", "b", "a"}, []string{all[0].SenderID, all[1].SenderID, all[2].SenderID})

	approved, err := st.List(ctx, StatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 2)
	require.Equal(t, "c", approved[0].SenderID)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contacts.db")

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.Block(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	s, err := st.CheckAccess(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, s)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Pending ")
	require.NoError(t, err)
	require.Equal(t, StatusPending, s)
	_, err = ParseStatus("friend")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
