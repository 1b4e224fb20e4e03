package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Channel carries fiscalization result events. Subscribers (webhook fanout,
// UI refresh) key off companyId in the payload.
const Channel = "fiskal:results"

// Result is the payload published after a fiscal request reaches a terminal
// state or is rescheduled for retry.
type Result struct {
	RequestID   int       `json:"requestId"`
	CompanyID   int       `json:"companyId"`
	InvoiceID   *int      `json:"invoiceId,omitempty"`
	MessageType string    `json:"messageType"`
	Status      string    `json:"status"`
	JIR         string    `json:"jir,omitempty"`
	ZKI         string    `json:"zki,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher pushes result events onto a redis channel. Publishing is best
// effort: the request row is the source of truth, the event stream is a
// notification convenience.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a publisher. A nil client disables publishing, which
// keeps single-binary deployments without redis working.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishResult emits one result event. Failures are logged, never returned:
// a redis outage must not affect the request state machine.
func (p *Publisher) PublishResult(ctx context.Context, r Result) {
	if p == nil || p.rdb == nil {
		return
	}

	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("[Events] failed to encode result event for request %d: %v", r.RequestID, err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		log.Printf("[Events] failed to publish result event for request %d: %v", r.RequestID, err)
	}
}
