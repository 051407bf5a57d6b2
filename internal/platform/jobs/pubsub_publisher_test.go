package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reloop-market/api/internal/services"
)

func TestPubSubLedgerPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "payment-ledger")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubLedgerPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubLedgerPublisher: %v", err)
	}

	recordedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := services.PaymentRecordedMessage{
		PaymentID:  "pay_test",
		UserID:     "user-1",
		Rail:       "fiat",
		Status:     "succeeded",
		Amount:     1500,
		Currency:   "INR",
		CO2SavedKg: 4.5,
		RecordedAt: recordedAt,
	}

	if _, err := publisher.PublishPaymentRecorded(ctx, msg); err != nil {
		t.Fatalf("PublishPaymentRecorded: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.PaymentRecordedMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PaymentID != msg.PaymentID || payload.UserID != msg.UserID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["rail"]; attr != "fiat" {
		t.Fatalf("expected rail attribute, got %q", attr)
	}
}
