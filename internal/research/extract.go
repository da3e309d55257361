package research

import "strings"

const (
	// LearningTag is the literal token sub-agents emit before each insight.
	LearningTag = "[LEARNING]"
	// CompleteSentinel is the literal token signaling a sub-agent finished.
	CompleteSentinel = "[COMPLETE]"
)

// extracted is one tagged block found in a message text.
type extracted struct {
	Category    string
	Description string
}

// extractLearnings scans text with an explicit scanner: it finds each
// literal learning tag, captures the category token up to the colon and the
// description up to the next tag, the completion sentinel, or end of text.
// One message may carry several blocks. The second result reports whether
// the text contains the completion sentinel.
func extractLearnings(text string) ([]extracted, bool) {
	complete := strings.Contains(text, CompleteSentinel)

	var out []extracted
	rest := text
	for {
		start := strings.Index(rest, LearningTag)
		if start < 0 {
			break
		}
		rest = rest[start+len(LearningTag):]

		// Capture stops at the next tag or the sentinel, whichever is first.
		end := len(rest)
		if next := strings.Index(rest, LearningTag); next >= 0 && next < end {
			end = next
		}
		if sentinel := strings.Index(rest, CompleteSentinel); sentinel >= 0 && sentinel < end {
			end = sentinel
		}
		block := rest[:end]
		rest = rest[end:]

		colon := strings.Index(block, ":")
		if colon < 0 {
			continue
		}
		category := strings.ToUpper(strings.TrimSpace(block[:colon]))
		if category == "" {
			continue
		}
		out = append(out, extracted{
			Category:    category,
			Description: strings.TrimSpace(block[colon+1:]),
		})
	}
	return out, complete
}

// reportingProtocol is appended to every caller prompt so sub-agents report
// findings mid-run and signal completion.
const reportingProtocol = `

## Reporting protocol

While you work, report each noteworthy discovery as soon as you make it, one
per line, in exactly this form:

[LEARNING] <CATEGORY>: <description>

CATEGORY is one short token such as BUG, INSIGHT, or BLOCKER. Keep working
after reporting; do not wait for acknowledgement. When your assigned task is
fully done, end your final message with the single line:

[COMPLETE]`

// instrumentPrompt appends the fixed reporting protocol to the caller's
// task text.
func instrumentPrompt(prompt string) string {
	return strings.TrimRight(prompt, "\n") + reportingProtocol
}
