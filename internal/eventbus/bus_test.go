package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFanOutAndDrop(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeProcessed, Sender: "x"})
	b.Publish(Event{Type: TypeProcessed, Sender: "y"})

	got := <-a
	require.Equal(t, "x", got.Sender)
	require.False(t, got.Time.IsZero())
	require.Len(t, c, 2)
	require.Equal(t, uint64(1), b.Dropped())

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)
	b.Publish(Event{Type: TypeProcessed})
	require.Len(t, c, 3)
}
