package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is what subscribers receive.
type Message struct {
	ID      string
	Topic   string
	At      time.Time
	Payload any
}

type Handler func(ctx context.Context, msg Message)

// Bus carries notifications out of the core. Publish must not block on
// slow subscribers for long and must not fail the caller.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

// Local delivers synchronously to in-process subscribers.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]Handler
	next uint64
	log  *slog.Logger
}

func NewLocal(log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{subs: make(map[string]map[uint64]Handler), log: log}
}

// Subscribe registers h for topic and returns a function that removes it.
func (l *Local) Subscribe(topic string, h Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[uint64]Handler)
	}
	l.subs[topic][id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[topic], id)
	}
}

func (l *Local) Publish(ctx context.Context, topic string, payload any) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[topic]))
	for _, h := range l.subs[topic] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	msg := Message{ID: uuid.NewString(), Topic: topic, At: time.Now().UTC(), Payload: payload}
	for _, h := range handlers {
		l.deliver(ctx, h, msg)
	}
}

func (l *Local) deliver(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event subscriber panicked", "topic", msg.Topic, "event_id", msg.ID, "panic", r)
		}
	}()
	h(ctx, msg)
}

// Or returns b, or Nop when b is nil.
func Or(b Bus) Bus {
	if b == nil {
		return Nop{}
	}
	return b
}
