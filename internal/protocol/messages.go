// Package protocol defines the JSON frames exchanged over push subscriptions
// and the error body returned by the request/response API. Pushes are bare
// JSON-encoded entities (a Message on a channel stream, a Channel on the chats
// stream); client sends on a channel stream carry only a body.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slink/im-client/internal/model"
)

// ErrMissingID is returned when a push decodes structurally but carries no
// entity identifier.
var ErrMissingID = errors.New("protocol: entity has no id")

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// OutgoingMessage is sent by the client on a channel stream to post a message.
// The server fills in the id, author, channel and timestamp.
type OutgoingMessage struct {
	Body string `json:"body"`
}

// NewOutgoingMessage validates and encodes a chat line for a channel stream.
func NewOutgoingMessage(body string) ([]byte, error) {
	if err := ValidateBody(body); err != nil {
		return nil, err
	}
	data, err := json.Marshal(OutgoingMessage{Body: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal outgoing message: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Server -> Client pushes
// ---------------------------------------------------------------------------

// DecodeMessage decodes a push from a channel stream. A payload that is not a
// JSON object, or that lacks messageID, is a decode failure.
func DecodeMessage(data []byte) (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Message{}, fmt.Errorf("protocol: failed to decode message push: %w", err)
	}
	if m.ID == "" {
		return model.Message{}, fmt.Errorf("protocol: message push: %w", ErrMissingID)
	}
	return m, nil
}

// DecodeChannel decodes a push from the chats stream. A payload that is not a
// JSON object, or that lacks channelID, is a decode failure.
func DecodeChannel(data []byte) (model.Channel, error) {
	var c model.Channel
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Channel{}, fmt.Errorf("protocol: failed to decode channel push: %w", err)
	}
	if c.ID == "" {
		return model.Channel{}, fmt.Errorf("protocol: channel push: %w", ErrMissingID)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// API error body
// ---------------------------------------------------------------------------

// ErrorBody is the failure payload of the request/response API. Errors holds
// human-readable validation messages, passed to the UI verbatim.
type ErrorBody struct {
	Errors []string `json:"errors"`
}

// ParseErrorBody extracts the validation messages from a failure response.
// It returns nil when the body is not an error body.
func ParseErrorBody(data []byte) []string {
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil
	}
	return body.Errors
}
