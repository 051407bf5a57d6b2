package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/reloop-market/api/internal/services"
)

// PubSubLedgerPublisher publishes payment ledger events to a Pub/Sub topic.
type PubSubLedgerPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubLedgerPublisher constructs a Pub/Sub backed ledger publisher.
func NewPubSubLedgerPublisher(topic *pubsub.Topic) (*PubSubLedgerPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub ledger publisher: topic is required")
	}
	return &PubSubLedgerPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPaymentRecorded enqueues a payment-recorded event on the configured topic.
func (p *PubSubLedgerPublisher) PublishPaymentRecorded(ctx context.Context, message services.PaymentRecordedMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub ledger publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal payment event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "paymentId", message.PaymentID)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "rail", message.Rail)
	setAttr(attrs, "status", message.Status)
	setAttr(attrs, "currency", message.Currency)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish payment event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
