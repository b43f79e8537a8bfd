// Package bus is the in-process message bus: per-agent FIFO mailboxes,
// request/response correlation, and topic-based pub/sub for system events.
package bus

import "errors"

// DeliveryStatus is the outcome of a Send.
type DeliveryStatus string

// Delivery outcomes. Delivered means the envelope was handed to the waiter
// of a pending request; Queued means it sits in the recipient's mailbox.
const (
	Delivered     DeliveryStatus = "delivered"
	Queued        DeliveryStatus = "queued"
	Backpressured DeliveryStatus = "backpressured"
	Undeliverable DeliveryStatus = "undeliverable"
)

var (
	// ErrUnknownRecipient indicates the recipient has no registered mailbox.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrMailboxFull indicates the recipient's mailbox stayed full for the
	// whole send budget.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrEnvelopeExpired indicates the envelope's deadline passed before
	// delivery.
	ErrEnvelopeExpired = errors.New("envelope expired")

	// ErrAlreadyRegistered indicates a mailbox already exists for the agent.
	ErrAlreadyRegistered = errors.New("mailbox already registered")

	// ErrRequestTimeout indicates no response arrived within the request's
	// wait budget.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrBusClosed indicates the bus has shut down.
	ErrBusClosed = errors.New("bus closed")
)

// Well-known event topics.
const (
	// TopicRegistryEvents carries agent registration and status changes.
	TopicRegistryEvents = "registry.events"

	// TopicTaskEvents carries task lifecycle transitions.
	TopicTaskEvents = "task.events"

	// TopicBusEvents carries bus-internal notices such as expired drops.
	TopicBusEvents = "bus.events"
)

// Event is the payload published on system topics.
type Event struct {
	Topic         string         `json:"topic"`
	Kind          string         `json:"kind"`
	AgentID       string         `json:"agent_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	EnvelopeID    string         `json:"envelope_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}
