package event

import (
	"testing"
	"time"

	"skillflow/internal/domain"
)

func TestTopic_PublishSubscribe(t *testing.T) {
	topic := NewTopic[domain.TaskEvent](TaskCompleted)

	var got []string
	unsub := topic.Subscribe(func(e domain.TaskEvent) { got = append(got, e.TaskID) })

	topic.Publish(domain.TaskEvent{TaskID: "tsk_1"})
	topic.Publish(domain.TaskEvent{TaskID: "tsk_2"})
	unsub()
	topic.Publish(domain.TaskEvent{TaskID: "tsk_3"})

	if len(got) != 2 || got[0] != "tsk_1" || got[1] != "tsk_2" {
		t.Fatalf("got %v, want [tsk_1 tsk_2]", got)
	}
	if n := topic.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe, want 0", n)
	}
}

func TestTopic_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	topic := NewTopic[int]("numbers")
	topic.Subscribe(func(int) { panic("boom") })

	delivered := 0
	topic.Subscribe(func(int) { delivered++ })

	topic.Publish(1)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestTopic_SubscribeChanDropsWhenFull(t *testing.T) {
	topic := NewTopic[int]("numbers")
	ch, unsub := topic.SubscribeChan(1)

	topic.Publish(1)
	topic.Publish(2) // buffer full, dropped

	select {
	case v := <-ch:
		if v != 1 {
			t.Errorf("received %d, want 1", v)
		}
	case <-time.After(time.Second):
		t.Fatal("expected buffered event")
	}

	unsub()
	topic.Publish(3)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	unsub() // idempotent
}

func TestNewBus_TopicNames(t *testing.T) {
	bus := NewBus()
	names := map[string]string{
		bus.TaskActive.Name():        TaskActive,
		bus.TaskCompleted.Name():     TaskCompleted,
		bus.TaskFailed.Name():        TaskFailed,
		bus.WorkflowCompleted.Name(): WorkflowCompleted,
		bus.MetricsUpdated.Name():    MetricsUpdated,
	}
	for got, want := range names {
		if got != want {
			t.Errorf("topic name = %q, want %q", got, want)
		}
	}
}
