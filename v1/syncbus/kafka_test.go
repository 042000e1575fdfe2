package syncbus

import (
	"context"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaBusPublishUsesProducer(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndSucceed()
	consumer := mocks.NewConsumer(t, cfg)

	bus := NewKafkaBusFrom(producer, consumer)
	defer bus.Close()

	if err := bus.Publish(context.Background(), "unlock-k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
}

func TestKafkaBusSubscribeDelivers(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	consumer.ExpectConsumePartition("unlock-k", 0, sarama.OffsetNewest).
		YieldMessage(&sarama.ConsumerMessage{Topic: "unlock-k", Value: []byte("1")})

	bus := NewKafkaBusFrom(producer, consumer)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "unlock-k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if m := bus.Metrics(); m.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", m.Delivered)
	}
	if err := bus.Unsubscribe(context.Background(), "unlock-k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
