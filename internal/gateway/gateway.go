// Package gateway defines the contract with the external agent runtime that
// hosts sub-agent sessions, and an HTTP adapter implementing it.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Part is one typed segment of a message. Only text-typed parts contribute
// to extracted text.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one entry of a session's conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	Parts     []Part    `json:"parts"`
}

// RoleAssistant marks messages authored by the sub-agent.
const RoleAssistant = "assistant"

// ExtractText joins the message's text parts with newlines. When the message
// has no text parts it returns a placeholder naming the part types that are
// present, so non-text messages stay visible in transcripts and scans.
func ExtractText(msg Message) string {
	var texts []string
	typeSet := make(map[string]struct{})
	for _, p := range msg.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		} else {
			typeSet[p.Type] = struct{}{}
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(typeSet) == 0 {
		return "[no content]"
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)
	return fmt.Sprintf("[no text parts: %s]", strings.Join(types, ", "))
}

// SessionGateway is the agent-runtime session API the supervisor consumes.
// Every operation may fail; failures are returned, never swallowed.
type SessionGateway interface {
	// Create starts a new sub-agent session and returns its id.
	Create(ctx context.Context, title, workdir string) (string, error)
	// PromptAsync dispatches a prompt without waiting for the agent to finish.
	PromptAsync(ctx context.Context, sessionID, content, agentRole string) error
	// Messages returns up to limit messages of the session in chronological
	// order. The read is idempotent.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// Abort requests termination of a running session.
	Abort(ctx context.Context, sessionID string) error
}

// Error wraps any session-API failure. Poll loops treat it as transient.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
