package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	userID := "user-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, userID, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, userID, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.UserID != userID {
			t.Errorf("expected userID '%s', got '%s'", userID, receivedMsg.UserID)
		}
	})

	t.Run("UserIsolation", func(t *testing.T) {
		user1 := "user-001"
		user2 := "user-002"

		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, user1, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, user2, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		// Publish to user1
		bus.Publish(ctx, user1, "isolation.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("user1 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("user2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresUserID", func(t *testing.T) {
		err := bus.Publish(ctx, "", "topic", []byte("data"))
		if err == nil {
			t.Error("expected error for empty userID")
		}

		_, err = bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty userID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, userID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, userID, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, userID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, userID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, userID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, userID, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, userID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusRequest(t *testing.T) {
	userID := "user-001"

	t.Run("ReplyDelivered", func(t *testing.T) {
		bus := NewChannelBus(100)
		defer bus.Close()

		// Responder echoes the payload to the reply topic from the
		// message metadata
		_, err := bus.Subscribe(context.Background(), userID, "echo.topic", func(ctx context.Context, msg *domain.Message) error {
			reply := msg.Metadata[domain.MetaReplyTo]
			if reply == "" {
				t.Error("request message missing reply topic")
				return nil
			}
			return bus.Publish(ctx, userID, reply, msg.Payload)
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		time.Sleep(10 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := bus.Request(ctx, userID, "echo.topic", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "ping" {
			t.Errorf("expected echoed payload, got %q", string(reply))
		}
	})

	t.Run("NoResponderTimesOut", func(t *testing.T) {
		bus := NewChannelBus(100)
		defer bus.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := bus.Request(ctx, userID, "silent.topic", []byte("ping")); err == nil {
			t.Error("expected timeout without a responder")
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	userID := "user-001"

	bus.Subscribe(ctx, userID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, userID, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	userID := "user-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, userID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, userID, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
