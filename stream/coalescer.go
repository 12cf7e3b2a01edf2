package stream

import (
	"strings"
	"unicode/utf8"
)

const defaultCoalesceMinChars = 48

// Coalescer merges token-sized deltas into phrase-sized fragments so
// downstream consumers don't receive a firehose of tiny writes. The first
// emission uses a smaller threshold so the consumer gets an early first
// paint; later fragments can be larger for smoother flow.
type Coalescer struct {
	minChars int
	firstMin int

	pending string
	emitted bool
}

// NewCoalescer creates a coalescer with the given minimum fragment size in
// runes. Non-positive values select the default.
func NewCoalescer(minChars int) *Coalescer {
	if minChars <= 0 {
		minChars = defaultCoalesceMinChars
	}
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	return &Coalescer{minChars: minChars, firstMin: firstMin}
}

// Consume adds a delta and returns zero or more fragments ready to emit.
func (c *Coalescer) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

// Finalize drains everything still pending. Called when the stream ends.
func (c *Coalescer) Finalize() []string {
	return c.flush(true)
}

func (c *Coalescer) flush(force bool) []string {
	var out []string
	for {
		threshold := c.minChars
		if !c.emitted {
			threshold = c.firstMin
		}

		segment, rest, ok := nextSegment(c.pending, threshold, force)
		if !ok {
			break
		}
		c.pending = rest
		if !c.emitted && len(out) == 0 {
			segment = strings.TrimLeft(segment, " \t\r\n")
		}
		if segment == "" {
			continue
		}
		out = append(out, segment)
		c.emitted = true
	}
	return out
}

// nextSegment cuts one emission-ready segment off pending. Without force it
// waits for the threshold and prefers to break after a whitespace boundary
// so words stay intact.
func nextSegment(pending string, threshold int, force bool) (segment, rest string, ok bool) {
	if pending == "" {
		return "", "", false
	}
	if force {
		return pending, "", true
	}
	if utf8.RuneCountInString(pending) < threshold {
		return "", "", false
	}
	if i := strings.LastIndexAny(pending, " \t\n"); i >= 0 {
		return pending[:i+1], pending[i+1:], true
	}
	// No boundary in sight; emit as-is rather than buffering unboundedly.
	return pending, "", true
}
