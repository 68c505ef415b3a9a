package runner

import (
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// EventType distinguishes progress events on the stream.
type EventType string

const (
	// EventStatus announces a task status transition.
	EventStatus EventType = "status"
	// EventAction announces one completed action, failed or not.
	EventAction EventType = "action"
)

// Event is one progress update for a streaming subscriber.
type Event struct {
	TaskID      string               `json:"task_id"`
	Type        EventType            `json:"type"`
	Status      models.TaskStatus    `json:"status,omitempty"`
	ActionIndex int                  `json:"action_index,omitempty"`
	Action      *models.ActionResult `json:"action,omitempty"`
	Time        time.Time            `json:"time"`
}

// broker fans task events out to subscribers. Slow subscribers drop
// events rather than stall the executor.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan Event]struct{})}
}

// subscribe registers a listener for one task's events. The returned
// function unsubscribes; it is safe to call after the broker closed the
// channel on task completion.
func (b *broker) subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[taskID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[taskID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, taskID)
				}
			}
		}
	}
	return ch, unsubscribe
}

// publish sends an event to every subscriber without blocking.
func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeTask closes all subscriber channels for a finished task.
func (b *broker) closeTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[taskID] {
		close(ch)
	}
	delete(b.subs, taskID)
}
