package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultLogSize is the number of events kept for replay to late observers.
	DefaultLogSize = 256
	// subscriberBuffer is the per-observer channel depth. An observer that
	// falls this far behind is disconnected.
	subscriberBuffer = 64
)

// EventHub fans calibration events out to any number of observers.
//
// Publishing never blocks: an observer whose buffer is full is dropped and its
// channel closed, so it can reconnect and catch up from the replay log.
type EventHub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	seq     uint64
	log     []Event
	logSize int
	now     func() time.Time
}

func NewEventHub() *EventHub { return NewEventHubWithLogSize(DefaultLogSize) }

func NewEventHubWithLogSize(n int) *EventHub {
	if n <= 0 {
		n = DefaultLogSize
	}
	return &EventHub{
		subs:    make(map[chan Event]struct{}),
		logSize: n,
		now:     time.Now,
	}
}

// Subscribe registers a new observer. The returned backlog holds the events
// of the current session published before the call; every later event arrives
// on the channel, with no gap and no duplicate between the two.
func (h *EventHub) Subscribe() (ch chan Event, backlog []Event) {
	ch = make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	backlog = append([]Event(nil), h.log...)
	h.mu.Unlock()
	return ch, backlog
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	h.drop(ch)
	h.mu.Unlock()
}

// drop must be called with h.mu held.
func (h *EventHub) drop(ch chan Event) {
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Count returns the number of connected observers.
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Log returns a copy of the replay log.
func (h *EventHub) Log() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.log...)
}

// Publish assigns the next sequence number to the event and delivers it to
// all observers. A started event resets the replay log.
func (h *EventHub) Publish(typ Type, message string, session uint64, payload any) Event {
	if h == nil {
		return Event{}
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logrus.WithError(err).WithField("type", typ).Warn("failed to marshal event payload")
		} else {
			data = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{
		Seq:     h.seq,
		Type:    typ,
		Message: message,
		Session: session,
		Ts:      h.now().Unix(),
		Data:    data,
	}

	if typ == TypeStarted {
		h.log = h.log[:0]
	}
	if len(h.log) >= h.logSize {
		h.log = h.log[1:]
	}
	h.log = append(h.log, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithField("seq", ev.Seq).Warn("observer too slow, disconnecting")
			h.drop(ch)
		}
	}

	logrus.WithFields(logrus.Fields{
		"seq":     ev.Seq,
		"type":    ev.Type,
		"session": ev.Session,
	}).Debug("new event")

	return ev
}
