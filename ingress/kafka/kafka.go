// Package kafka is the optional push ingress over a kafka cluster: hub
// invoice and settlement announcements arrive as topic messages and are
// folded into the event queue. The backfill poller covers anything this
// path drops, so handlers only log on failure.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/storage/queue"
)

var logger = log.NewModuleLogger("ingress/kafka")

// message is the envelope the hub publishes on both topics.
type message struct {
	InvoiceID string `json:"invoiceId"`
	Priority  string `json:"priority"`
}

// Source consumes the configured topics as one consumer group and enqueues
// the events they carry.
type Source struct {
	cfg      params.KafkaConfig
	queue    *queue.Queue
	group    sarama.ConsumerGroup
	handlers map[string]func(context.Context, *sarama.ConsumerMessage) error
}

// NewSource connects the consumer group. The sarama config mirrors what the
// brokers in production expect: committed offsets, oldest on first join.
func NewSource(cfg params.KafkaConfig, q *queue.Queue) (*Source, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.MaxVersion
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka consumer group")
	}
	s := &Source{cfg: cfg, queue: q, group: group}
	s.handlers = map[string]func(context.Context, *sarama.ConsumerMessage) error{
		cfg.InvoiceTopic:    s.handleInvoice,
		cfg.SettlementTopic: s.handleSettlement,
	}
	return s, nil
}

// Run consumes until ctx is cancelled. Consume returns on every rebalance;
// the loop rejoins with a short pause on error.
func (s *Source) Run(ctx context.Context) {
	defer s.group.Close()
	topics := []string{s.cfg.InvoiceTopic, s.cfg.SettlementTopic}
	for {
		if err := s.group.Consume(ctx, topics, &groupHandler{source: s, ctx: ctx}); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return
			}
			logger.Errorw("consume failed, rejoining", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Source) handleInvoice(ctx context.Context, msg *sarama.ConsumerMessage) error {
	m, err := decode(msg.Value)
	if err != nil {
		return err
	}
	ev := core.NewInvoiceEnqueued(m.InvoiceID, priorityOf(m.Priority, core.PriorityNormal), time.Now())
	added, err := s.queue.Enqueue(ctx, ev, false)
	if err != nil {
		return err
	}
	if added {
		logger.Infow("invoice event ingested", "invoiceId", m.InvoiceID, "topic", msg.Topic)
	}
	return nil
}

func (s *Source) handleSettlement(ctx context.Context, msg *sarama.ConsumerMessage) error {
	m, err := decode(msg.Value)
	if err != nil {
		return err
	}
	// Settlements jump the line so fingerprints clear before the next
	// invoice sweep re-reads them.
	ev := core.NewSettlementEnqueued(m.InvoiceID, priorityOf(m.Priority, core.PriorityHigh), time.Now())
	added, err := s.queue.Enqueue(ctx, ev, false)
	if err != nil {
		return err
	}
	if added {
		logger.Infow("settlement event ingested", "invoiceId", m.InvoiceID, "topic", msg.Topic)
	}
	return nil
}

func decode(value []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	if m.InvoiceID == "" {
		return nil, errors.New("message missing invoiceId")
	}
	return &m, nil
}

func priorityOf(s string, fallback core.Priority) core.Priority {
	if p := core.ConvertStringToPriority(s); p.Known() {
		return p
	}
	return fallback
}

// groupHandler adapts the Source to sarama's session callbacks.
type groupHandler struct {
	source *Source
	ctx    context.Context
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	logger.Infow("consumer group joined", "memberId", sess.MemberID())
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	logger.Infow("consumer group left", "memberId", sess.MemberID())
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	handler := h.source.handlers[claim.Topic()]
	for msg := range claim.Messages() {
		if handler == nil {
			sess.MarkMessage(msg, "")
			continue
		}
		if err := handler(h.ctx, msg); err != nil {
			// Marked regardless: the backfill sweep replays what the queue
			// did not accept.
			logger.Warnw("message dropped", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
