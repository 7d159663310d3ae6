package bus_test

import (
	"testing"

	"github.com/basket/foreman/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{TaskID: "t1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskEnqueued {
			t.Fatalf("want %s, got %s", bus.TopicTaskEnqueued, ev.Topic)
		}
		payload, ok := ev.Payload.(bus.TaskEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("unexpected payload: %+v", ev.Payload)
		}
	default:
		t.Fatal("event not delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := bus.New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(bus.TopicModeChanged, bus.ModeChangedEvent{NewMode: "Autonomous"})

	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("task subscriber received %s", ev.Topic)
	default:
	}
	select {
	case ev := <-allSub.Ch():
		if ev.Topic != bus.TopicModeChanged {
			t.Fatalf("want %s, got %s", bus.TopicModeChanged, ev.Topic)
		}
	default:
		t.Fatal("catch-all subscriber missed the event")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Publish more than the buffer; extra events are dropped, never blocked.
	for i := 0; i < 250; i++ {
		b.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{TaskID: "flood"})
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 100 {
		t.Fatalf("want up to buffer size events, got %d", received)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("want 0 subscribers, got %d", n)
	}
}
