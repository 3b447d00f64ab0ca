package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestShortAndEmpty(t *testing.T) {
	c := New(4096, 100)
	require.Nil(t, c.Split("   \n "))
	require.Equal(t, []string{"Hello!"}, c.Split("  Hello!\n"))
}

func TestParagraphBreakPreferred(t *testing.T) {
	c := New(50, 10)
	p1 := strings.Repeat("a", 20) + ". " + strings.Repeat("b", 10)
	p2 := strings.Repeat("c", 30)
	got := c.Split(p1 + "\n\n" + p2)
	require.Equal(t, []string{p1, p2}, got)
}

func TestSentenceBreakWhenNoParagraph(t *testing.T) {
	c := New(40, 10)
	s1 := "This is the first sentence here."
	s2 := "And then a second one that is long."
	got := c.Split(s1 + " " + s2)
	require.Equal(t, []string{s1, s2}, got)
}

func TestNewlineBreak(t *testing.T) {
	c := New(30, 5)
	l1 := strings.Repeat("x", 20)
	l2 := strings.Repeat("y", 20)
	require.Equal(t, []string{l1, l2}, c.Split(l1+"\n"+l2))
}

func TestBreakBeforeMinLengthIsIgnored(t *testing.T) {
	c := New(30, 10)
	text := "ab\n\n" + strings.Repeat("z", 40)
	got := c.Split(text)
	require.Len(t, got, 2)
	require.Equal(t, 30, utf8.RuneCountInString(got[0]))
	require.True(t, strings.HasPrefix(got[0], "ab"))
}

func TestHardCutCountsRunes(t *testing.T) {
	c := New(10, 2)
	text := strings.Repeat("é", 25)
	got := c.Split(text)
	require.Len(t, got, 3)
	for _, s := range got {
		require.True(t, utf8.ValidString(s))
		require.LessOrEqual(t, utf8.RuneCountInString(s), 10)
	}
	require.Equal(t, text, strings.Join(got, ""))
}

func TestChunksNeverExceedMax(t *testing.T) {
	c := New(200, 50)
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("Sentence number one two three. ")
		if i%7 == 0 {
			b.WriteString("\n\n")
		}
	}
	for _, s := range c.Split(b.String()) {
		require.LessOrEqual(t, utf8.RuneCountInString(s), 200)
		require.NotEmpty(t, s)
	}
}
