package stream

import "unicode/utf8"

// RuneAssembler buffers streamed bytes and emits only complete UTF-8
// characters. Upstream byte chunking can split multi-byte sequences; the
// assembler holds the incomplete tail back until the remaining bytes arrive.
type RuneAssembler struct {
	buffer []byte
}

// NewRuneAssembler creates an empty assembler.
func NewRuneAssembler() *RuneAssembler {
	return &RuneAssembler{}
}

// Write adds text to the buffer and returns the longest prefix that ends on
// a complete UTF-8 character. The remainder stays buffered.
func (a *RuneAssembler) Write(text string) string {
	a.buffer = append(a.buffer, text...)

	validLen := 0
	for i := 0; i < len(a.buffer); {
		r, size := utf8.DecodeRune(a.buffer[i:])
		if r == utf8.RuneError && size == 1 {
			if len(a.buffer)-i < utf8.UTFMax {
				// Possibly an incomplete multi-byte sequence, keep it buffered.
				break
			}
			// Definitely invalid, pass the byte through.
			i++
			validLen = i
			continue
		}
		i += size
		validLen = i
	}

	if validLen == 0 {
		return ""
	}
	out := string(a.buffer[:validLen])
	a.buffer = a.buffer[validLen:]
	return out
}

// Flush returns any remaining buffered bytes, complete or not, and resets
// the assembler. Called when the stream ends.
func (a *RuneAssembler) Flush() string {
	if len(a.buffer) == 0 {
		return ""
	}
	out := string(a.buffer)
	a.buffer = nil
	return out
}

// Buffered returns the number of bytes currently held back.
func (a *RuneAssembler) Buffered() int {
	return len(a.buffer)
}
