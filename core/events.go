package core

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType names a queue keyspace. Each type has its own pending and
// processing queues; the dead-letter queue is shared.
type EventType string

const (
	EventInvoiceEnqueued    EventType = "invoice_enqueued"
	EventSettlementEnqueued EventType = "settlement_enqueued"
	UnknownEvent            EventType = ""
)

// EventTypes lists every known queue event type, in consumption order.
var EventTypes = []EventType{EventInvoiceEnqueued, EventSettlementEnqueued}

func ConvertStringToEventType(s string) EventType {
	switch strings.ToLower(s) {
	case "invoice_enqueued", "invoice":
		return EventInvoiceEnqueued
	case "settlement_enqueued", "settlement":
		return EventSettlementEnqueued
	default:
		return UnknownEvent
	}
}

// Priority advises the consumer pool; queue order within a type stays FIFO
// by scheduled time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	UnknownPriority Priority = -1
)

func ConvertStringToPriority(s string) Priority {
	switch strings.ToUpper(s) {
	case "LOW":
		return PriorityLow
	case "NORMAL":
		return PriorityNormal
	case "HIGH":
		return PriorityHigh
	default:
		return UnknownPriority
	}
}

func ConvertPriorityToString(p Priority) string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether p is one of the defined priorities.
func (p Priority) Known() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// InfiniteRetries makes the consumer retry an event forever instead of
// dead-lettering it.
const InfiniteRetries = -1

// QueuedEvent is the envelope persisted in the event queue. For the two core
// event types the id equals the invoice id, which is what makes enqueue
// idempotent per invoice.
type QueuedEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Priority    Priority          `json:"priority"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	ScheduledAt int64             `json:"scheduledAt"` // unix milliseconds
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InvoicePayload is the minimal data carried by invoice events; backfilled
// events carry only the id and let the handler refetch the rest.
type InvoicePayload struct {
	InvoiceID string `json:"invoiceId"`
}

// NewInvoiceEnqueued builds an invoice event scheduled for immediate
// consumption. Backfilled invoice events are safe to retry forever, so they
// default to infinite retries.
func NewInvoiceEnqueued(invoiceID string, priority Priority, now time.Time) *QueuedEvent {
	data, _ := json.Marshal(InvoicePayload{InvoiceID: invoiceID})
	return &QueuedEvent{
		ID:          invoiceID,
		Type:        EventInvoiceEnqueued,
		Data:        data,
		Priority:    priority,
		MaxRetries:  InfiniteRetries,
		ScheduledAt: now.UnixNano() / int64(time.Millisecond),
	}
}

// NewSettlementEnqueued builds a settlement event scheduled for immediate
// consumption.
func NewSettlementEnqueued(invoiceID string, priority Priority, now time.Time) *QueuedEvent {
	data, _ := json.Marshal(InvoicePayload{InvoiceID: invoiceID})
	return &QueuedEvent{
		ID:          invoiceID,
		Type:        EventSettlementEnqueued,
		Data:        data,
		Priority:    priority,
		MaxRetries:  3,
		ScheduledAt: now.UnixNano() / int64(time.Millisecond),
	}
}
