// Package oracle generates the spirit's answers.
package oracle

import (
	"context"
	"errors"
	"strings"

	"github.com/bodul/planchette/internal/api"
)

// ErrNotReady is returned while the model is not available locally.
var ErrNotReady = errors.New("oracle: model not ready")

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling controls answer generation.
type Sampling struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Oracle streams answers and screens questions.
type Oracle interface {
	// Stream generates the answer to msgs, passing every text chunk to emit
	// as it arrives. An emit error aborts the stream and is returned.
	Stream(ctx context.Context, system string, msgs []Message, emit func(string) error) error
	// Classify reports whether question reads as a crisis.
	Classify(ctx context.Context, question string) (bool, error)
	// Model names the model in use.
	Model() string
}

// Provisioner is implemented by backends whose model must be fetched before
// use.
type Provisioner interface {
	Present(ctx context.Context) (bool, error)
	Pull(ctx context.Context, progress func(completed, total int64)) error
}

// SystemPrompt keeps the model in character.
const SystemPrompt = "You are a spirit communicating through a Ouija board. " +
	"Respond ONLY with: YES, NO, MAYBE, or ONE word. " +
	"For yes/no questions: 'YES. [CONTEXT]' or 'NO. [CONTEXT]'. " +
	"Spell names and unknown words letter by letter: M... A... R... I... A... " +
	"Always respond in UPPERCASE. " +
	"Never explain. Never elaborate. Never break character. If user asks for your name, choose one random human name." +
	"Keep responses concise and mysterious. " +
	"Use the conversation history to provide context in your answers."

const classifySystem = "You are a helpful assistant."

// classifyPrompt asks for a one-word verdict on question.
func classifyPrompt(question string) string {
	return "Classify if the following user message expresses suicidal " +
		"ideation, self-harm intent, or emotional crisis. Consider " +
		"messages in ANY language. Respond ONLY with the word SAFE " +
		"or CRISIS.\n\nMessage: \"" + question + "\""
}

func isCrisis(verdict string) bool {
	return strings.Contains(strings.ToUpper(strings.TrimSpace(verdict)), "CRISIS")
}

// Conversation builds the chat turns for question: the last limit history
// turns with a known role and non-empty content, then the question.
func Conversation(history []api.Turn, limit int, question string) []Message {
	if limit >= 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	msgs := make([]Message, 0, len(history)+1)
	for _, t := range history {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if t.Role != api.RoleUser && t.Role != api.RoleAssistant {
			continue
		}
		msgs = append(msgs, Message{Role: t.Role, Content: content})
	}
	return append(msgs, Message{Role: api.RoleUser, Content: question})
}
