package stream

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLiteralEnforcer_Enforce(t *testing.T) {
	enforcer := NewLiteralEnforcer()

	tests := []struct {
		name  string
		text  string
		stops []string
		want  string
	}{
		{"no match returns input", "hello world", []string{"STOP"}, "hello world"},
		{"single match truncates", "aaaSTOPbbb", []string{"STOP"}, "aaa"},
		{"match at start", "STOPbbb", []string{"STOP"}, ""},
		{"match at end", "aaaSTOP", []string{"STOP"}, "aaa"},
		{"earliest occurrence wins", "aXbYc", []string{"Y", "X"}, "a"},
		{"only first of repeated matches", "aSTOPbSTOPc", []string{"STOP"}, "a"},
		{"empty stop ignored", "abc", []string{""}, "abc"},
		{"empty stop among real ones", "aENDb", []string{"", "END"}, "a"},
		{"empty text", "", []string{"STOP"}, ""},
		{"no stop sequences", "abc", nil, "abc"},
		{"multibyte stop", "前文。后文", []string{"。"}, "前文"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, enforcer.Enforce(tt.text, tt.stops))
		})
	}
}

func TestEnforcerFunc_Adapts(t *testing.T) {
	called := false
	f := EnforcerFunc(func(text string, stops []string) string {
		called = true
		return text
	})

	var e Enforcer = f
	assert.Equal(t, "x", e.Enforce("x", []string{"STOP"}))
	assert.True(t, called)
}

func TestLiteralEnforcer_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	enforcer := NewLiteralEnforcer()

	properties.Property("output is a prefix of input", prop.ForAll(
		func(text, stop string) bool {
			return strings.HasPrefix(text, enforcer.Enforce(text, []string{stop}))
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("output never contains a non-empty stop", prop.ForAll(
		func(text, stop string) bool {
			if stop == "" {
				return true
			}
			return !strings.Contains(enforcer.Enforce(text, []string{stop}), stop)
		},
		gen.AnyString(), gen.AlphaString(),
	))

	properties.Property("idempotent", prop.ForAll(
		func(text, stop string) bool {
			once := enforcer.Enforce(text, []string{stop})
			return enforcer.Enforce(once, []string{stop}) == once
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("appending the stop truncates back to the original prefix", prop.ForAll(
		func(prefix, stop string) bool {
			if stop == "" || strings.Contains(prefix, stop) {
				return true
			}
			// prefix may end with a partial stop; the match can then start
			// earlier than len(prefix), so only check containment.
			result := enforcer.Enforce(prefix+stop, []string{stop})
			return !strings.Contains(result, stop) && strings.HasPrefix(prefix, result)
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
