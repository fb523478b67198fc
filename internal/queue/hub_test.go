package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-api/internal/models"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	jobID := uuid.New()

	ch1, cancel1 := hub.Subscribe(jobID)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe(jobID)
	defer cancel2()

	hub.Publish(jobID, Event{Type: EventProgress, Status: models.JobStatusActive, Progress: 30})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventProgress, ev.Type)
			assert.Equal(t, 30, ev.Progress)
			assert.Equal(t, jobID.String(), ev.JobID)
		default:
			t.Fatal("expected a buffered event")
		}
	}
}

func TestHub_EventsAreScopedToJob(t *testing.T) {
	hub := NewHub()
	jobA := uuid.New()
	jobB := uuid.New()

	chA, cancelA := hub.Subscribe(jobA)
	defer cancelA()

	hub.Publish(jobB, Event{Type: EventCompleted})

	select {
	case ev := <-chA:
		t.Fatalf("unexpected event %q for other job", ev.Type)
	default:
	}
}

func TestHub_CancelClosesAndUnsubscribes(t *testing.T) {
	hub := NewHub()
	jobID := uuid.New()

	ch, cancel := hub.Subscribe(jobID)
	require.Equal(t, 1, hub.SubscriberCount(jobID))

	cancel()
	assert.Equal(t, 0, hub.SubscriberCount(jobID))

	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent.
	cancel()
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	jobID := uuid.New()

	ch, cancel := hub.Subscribe(jobID)
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	for i := 0; i < 40; i++ {
		hub.Publish(jobID, Event{Type: EventProgress, Progress: i})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, cap(ch), received)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(uuid.New(), Event{Type: EventFailed})
}
