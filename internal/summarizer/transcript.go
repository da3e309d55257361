package summarizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/quarrylab/prospector/internal/gateway"
)

// buildTranscript renders messages as header lines followed by their
// extracted text. When the rendering exceeds the character budget, the
// trailing slice of that length is kept so the most recent content survives.
func buildTranscript(messages []gateway.Message, budget int) (string, bool) {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("### %s [%s] %s\n", msg.Role, msg.ID, msg.CreatedAt.UTC().Format(time.RFC3339)))
		b.WriteString(gateway.ExtractText(msg))
	}
	transcript := b.String()

	if budget <= 0 {
		return transcript, false
	}
	runes := []rune(transcript)
	if len(runes) <= budget {
		return transcript, false
	}
	return string(runes[len(runes)-budget:]), true
}
