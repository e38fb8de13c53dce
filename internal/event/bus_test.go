package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBus(capacity int) *Bus {
	return NewBus(capacity, zerolog.Nop())
}

func TestSubscribeAllocatesLazily(t *testing.T) {
	sub := testBus(DefaultCapacity).Subscribe()
	defer sub.Close()

	if got := cap(sub.ring); got != 0 {
		t.Errorf("fresh subscriber ring cap = %d, want 0", got)
	}
	if sub.capacity != DefaultCapacity {
		t.Errorf("subscriber capacity = %d, want %d", sub.capacity, DefaultCapacity)
	}
}

func recvOne(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return ev
}

func TestPublishOrderPreserved(t *testing.T) {
	bus := testBus(16)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeMessageCreate, Payload: i})
	}
	for i := 0; i < 10; i++ {
		ev := recvOne(t, sub)
		if ev.Payload.(int) != i {
			t.Fatalf("got payload %v at position %d", ev.Payload, i)
		}
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	bus := testBus(16)
	sub1 := bus.Subscribe()
	defer sub1.Close()
	sub2 := bus.Subscribe()
	defer sub2.Close()

	bus.Publish(Event{Type: TypeMessageCreate})

	if ev := recvOne(t, sub1); ev.Type != TypeMessageCreate {
		t.Fatalf("sub1 got %q", ev.Type)
	}
	if ev := recvOne(t, sub2); ev.Type != TypeMessageCreate {
		t.Fatalf("sub2 got %q", ev.Type)
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	bus := testBus(4)
	bus.Publish(Event{Type: TypeMessageCreate})
}

func TestLaggedSubscriber(t *testing.T) {
	bus := testBus(4)
	slow := bus.Subscribe()
	defer slow.Close()
	fast := bus.Subscribe()
	defer fast.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeMessageCreate, Payload: i})
	}

	_, err := slow.Recv(context.Background())
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError, got %v", err)
	}
	if lagged.Missed != 6 {
		t.Fatalf("missed = %d, want 6", lagged.Missed)
	}

	// The retained tail stays receivable, newest last.
	ev := recvOne(t, slow)
	if ev.Payload.(int) != 6 {
		t.Fatalf("first retained payload = %v, want 6", ev.Payload)
	}

	// The fast subscriber is unaffected beyond its own capacity.
	_, err = fast.Recv(context.Background())
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError for equally slow fast sub, got %v", err)
	}
}

func TestRecvContextCancel(t *testing.T) {
	bus := testBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestCloseWakesRecv(t *testing.T) {
	bus := testBus(4)
	sub := bus.Subscribe()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}

	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscriber still registered after Close")
	}
	// Close is idempotent.
	sub.Close()
}

func TestTryRecv(t *testing.T) {
	bus := testBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	if _, ok, err := sub.TryRecv(); ok || err != nil {
		t.Fatalf("TryRecv on empty ring: ok=%v err=%v", ok, err)
	}

	bus.Publish(Event{Type: TypeTypingStart})
	ev, ok, err := sub.TryRecv()
	if !ok || err != nil || ev.Type != TypeTypingStart {
		t.Fatalf("TryRecv = (%v, %v, %v)", ev.Type, ok, err)
	}
}
