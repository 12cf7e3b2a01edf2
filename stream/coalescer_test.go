package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCoalescer_BuffersBelowThreshold(t *testing.T) {
	c := NewCoalescer(20)

	assert.Empty(t, c.Consume("one "))
	assert.Empty(t, c.Consume("two"))
}

func TestCoalescer_FirstEmissionUsesSmallerThreshold(t *testing.T) {
	c := NewCoalescer(40) // firstMin = 10

	assert.Empty(t, c.Consume("short"))
	out := c.Consume(" and more text")
	require.NotEmpty(t, out, "first fragment should release early")
	assert.True(t, strings.HasPrefix("short and more text", out[0]))
}

func TestCoalescer_TrimsLeadingWhitespace(t *testing.T) {
	c := NewCoalescer(4)

	out := c.Consume("   \n hello world")
	require.NotEmpty(t, out)
	assert.False(t, strings.HasPrefix(out[0], " "))
	assert.False(t, strings.HasPrefix(out[0], "\n"))
}

func TestCoalescer_BreaksAtWordBoundary(t *testing.T) {
	c := NewCoalescer(8)

	var out []string
	out = append(out, c.Consume("alpha beta gam")...)
	out = append(out, c.Finalize()...)

	require.NotEmpty(t, out)
	for _, fragment := range out[:len(out)-1] {
		last := fragment[len(fragment)-1]
		assert.Contains(t, " \t\n", string(last),
			"non-final fragments end on a boundary: %q", fragment)
	}
	assert.Equal(t, "alpha beta gam", strings.Join(out, ""))
}

func TestCoalescer_NoBoundaryEmitsWhole(t *testing.T) {
	c := NewCoalescer(4)

	out := c.Consume("abcdefgh")
	require.Len(t, out, 1)
	assert.Equal(t, "abcdefgh", out[0])
}

func TestCoalescer_FinalizeDrainsPending(t *testing.T) {
	c := NewCoalescer(100)

	assert.Empty(t, c.Consume("t"))
	out := c.Finalize()
	require.Len(t, out, 1)
	assert.Equal(t, "t", out[0])

	assert.Empty(t, c.Finalize(), "second finalize is empty")
}

func TestCoalescer_EmptyDelta(t *testing.T) {
	c := NewCoalescer(4)
	assert.Empty(t, c.Consume(""))
	assert.Empty(t, c.Finalize())
}

func TestCoalescer_DefaultThreshold(t *testing.T) {
	c := NewCoalescer(0)
	assert.Equal(t, defaultCoalesceMinChars, c.minChars)
}

// Concatenated output equals the concatenated input minus the trimmed
// leading whitespace, regardless of how deltas were sliced.
func TestCoalescer_Lossless(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deltas := rapid.SliceOfN(
			rapid.StringOfN(rapid.RuneFrom([]rune("ab 界\n\t")), 0, 12, -1),
			0, 10,
		).Draw(t, "deltas")
		minChars := rapid.IntRange(1, 30).Draw(t, "minChars")

		c := NewCoalescer(minChars)
		var out strings.Builder
		for _, d := range deltas {
			for _, f := range c.Consume(d) {
				out.WriteString(f)
			}
		}
		for _, f := range c.Finalize() {
			out.WriteString(f)
		}

		want := strings.TrimLeft(strings.Join(deltas, ""), " \t\r\n")
		if out.String() != want {
			t.Fatalf("got %q, want %q", out.String(), want)
		}
	})
}
