// Package text transforms raw model output into speech-safe plain text and
// injection-safe display segments. All functions are pure and deterministic.
package text

import (
	"regexp"
	"strings"
)

// tagPattern matches a single raw markup tag. Stripping is repeated to a
// fixpoint so nested or overlapping angle brackets cannot survive one pass
// and reappear as a tag on the next.
var tagPattern = regexp.MustCompile(`<[^<>]*>`)

// SpeechSafe strips markup so the text is suitable for audio narration:
// emphasis markers, code-fence and inline-code markers, and raw markup tags
// are removed; whitespace runs and newlines collapse to single spaces; ends
// are trimmed. Idempotent: SpeechSafe(SpeechSafe(x)) == SpeechSafe(x).
func SpeechSafe(input string) string {
	s := strings.ReplaceAll(input, "```", "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "`", "")
	s = strings.ReplaceAll(s, "*", "")

	for {
		stripped := tagPattern.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}

	return strings.Join(strings.Fields(s), " ")
}
