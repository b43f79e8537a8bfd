package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeKind discriminates bus message types.
type EnvelopeKind string

// Envelope kinds.
const (
	KindRequest  EnvelopeKind = "request"
	KindResponse EnvelopeKind = "response"
	KindEvent    EnvelopeKind = "event"
)

// Envelope is the unit of delivery on the message bus. A response must carry
// InReplyTo set to the originating request's EnvelopeID; a request may carry
// a deadline, and the bus drops expired envelopes before delivery.
type Envelope struct {
	EnvelopeID    string            `json:"envelope_id"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Kind          EnvelopeKind      `json:"kind"`
	CorrelationID string            `json:"correlation_id"`
	InReplyTo     string            `json:"in_reply_to,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Deadline      time.Time         `json:"deadline,omitzero"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and timestamp.
func NewEnvelope(from, to string, kind EnvelopeKind, payload json.RawMessage) *Envelope {
	return &Envelope{
		EnvelopeID: uuid.NewString(),
		From:       from,
		To:         to,
		Kind:       kind,
		CreatedAt:  time.Now(),
		Payload:    payload,
	}
}

// Reply builds a response envelope addressed back to the sender, carrying
// the request's correlation id and envelope id.
func (e *Envelope) Reply(payload json.RawMessage) *Envelope {
	return &Envelope{
		EnvelopeID:    uuid.NewString(),
		From:          e.To,
		To:            e.From,
		Kind:          KindResponse,
		CorrelationID: e.CorrelationID,
		InReplyTo:     e.EnvelopeID,
		CreatedAt:     time.Now(),
		Payload:       payload,
	}
}

// Expired reports whether the envelope's deadline has passed at t.
func (e *Envelope) Expired(t time.Time) bool {
	return !e.Deadline.IsZero() && !t.Before(e.Deadline)
}
