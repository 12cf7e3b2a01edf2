package stream

import "strings"

// Enforcer detects and truncates stop sequences within accumulated text.
// Implementations must be pure: same inputs, same output, no side effects.
// Returning the input unchanged means no stop sequence was found.
type Enforcer interface {
	Enforce(text string, stopSequences []string) string
}

// EnforcerFunc adapts a plain function to the Enforcer interface.
type EnforcerFunc func(text string, stopSequences []string) string

// Enforce implements Enforcer.
func (f EnforcerFunc) Enforce(text string, stopSequences []string) string {
	return f(text, stopSequences)
}

// LiteralEnforcer truncates text at the earliest occurrence of any
// configured stop sequence. Empty stop sequences are ignored.
type LiteralEnforcer struct{}

// NewLiteralEnforcer creates the default literal-match enforcer.
func NewLiteralEnforcer() LiteralEnforcer { return LiteralEnforcer{} }

// Enforce implements Enforcer.
func (LiteralEnforcer) Enforce(text string, stopSequences []string) string {
	cut := -1
	for _, stop := range stopSequences {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text
	}
	return text[:cut]
}
