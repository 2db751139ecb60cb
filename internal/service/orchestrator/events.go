// Package orchestrator drives one conversational query end to end:
// safety guard, session context, sub-engine fan-out, answer composition,
// policing, paced token streaming, and post-stream persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
)

// Wire event types, in emission order. source_reference and error are
// positional alternatives, not always present.
const (
	EventTyping          = "typing"
	EventEngineComplete  = "engine_complete"
	EventSourceReference = "source_reference"
	EventToken           = "token"
	EventComplete        = "complete"
	EventError           = "error"
)

// Event is one streamed message.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// TypingData opens the stream.
type TypingData struct {
	Message string `json:"message"`
}

// EngineTrace reports one sub-engine's outcome.
type EngineTrace struct {
	Engine          string `json:"engine"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	FindingsCount   int    `json:"findings_count"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// SourceRef points a response statement back at a document location.
type SourceRef struct {
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	PageNumber   *int      `json:"page_number,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
}

// TokenData carries one content increment plus the running accumulator,
// so a client that missed an event can resynchronize.
type TokenData struct {
	Token       string `json:"token"`
	Accumulated string `json:"accumulated"`
}

// Completion is the self-contained terminal payload.
type Completion struct {
	Response    string        `json:"response"`
	Sources     []SourceRef   `json:"sources"`
	Traces      []EngineTrace `json:"traces"`
	TotalTimeMs int64         `json:"total_time_ms"`
	Confidence  float64       `json:"confidence"`
	MessageID   uuid.UUID     `json:"message_id"`
}

// ErrorData terminates the stream on failure.
type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type flusher interface {
	Flush()
}

// WriteNDJSON drains the event channel to w as newline-delimited JSON,
// flushing after every event when w supports it. Returns the first write
// error or ctx's error, whichever ends the stream.
func WriteNDJSON(ctx context.Context, w io.Writer, events <-chan Event) error {
	enc := json.NewEncoder(w)
	fl, _ := w.(flusher)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(event); err != nil {
				return err
			}
			if fl != nil {
				fl.Flush()
			}
		}
	}
}
