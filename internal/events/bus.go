// Package events is the in-house domain-event bus. Producers publish named
// events with a JSON-like payload; subscribers register per event name or
// for every event.
package events

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Wildcard is the pseudo event name matched by SubscribeAll handlers.
const Wildcard = "*"

// Event is one published domain event.
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Handler receives events. It runs on the publisher's goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Bus is the publish/subscribe surface shared by the in-process and Redis transports.
type Bus interface {
	Publish(ctx context.Context, name string, payload map[string]any) error
	Subscribe(name string, h Handler) (unsubscribe func())
	SubscribeAll(h Handler) (unsubscribe func())
}

type subscription struct {
	id uint64
	h  Handler
}

// Local is an in-process Bus keeping a registry of name -> handlers.
type Local struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	log    logrus.FieldLogger
}

func NewLocal(log logrus.FieldLogger) *Local {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Local{subs: map[string][]subscription{}, log: log}
}

func (l *Local) Subscribe(name string, h Handler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[name] = append(l.subs[name], subscription{id: id, h: h})
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { l.remove(name, id) }) }
}

func (l *Local) SubscribeAll(h Handler) func() { return l.Subscribe(Wildcard, h) }

func (l *Local) remove(name string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.subs[name]
	for i, s := range subs {
		if s.id == id {
			l.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[name]) == 0 {
		delete(l.subs, name)
	}
}

// Publish delivers synchronously to named then wildcard handlers. A panicking
// handler is logged and does not stop the others.
func (l *Local) Publish(ctx context.Context, name string, payload map[string]any) error {
	l.dispatch(ctx, Event{Name: name, Payload: payload})
	return nil
}

func (l *Local) dispatch(ctx context.Context, ev Event) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[ev.Name])+len(l.subs[Wildcard]))
	for _, s := range l.subs[ev.Name] {
		handlers = append(handlers, s.h)
	}
	if ev.Name != Wildcard {
		for _, s := range l.subs[Wildcard] {
			handlers = append(handlers, s.h)
		}
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		l.call(ctx, h, ev)
	}
}

func (l *Local) call(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logrus.Fields{"event": ev.Name, "panic": r}).
				Errorf("event handler panicked\n%s", debug.Stack())
		}
	}()
	h(ctx, ev)
}

// HandlerCount reports how many handlers would receive an event called name.
func (l *Local) HandlerCount(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.subs[name])
	if name != Wildcard {
		n += len(l.subs[Wildcard])
	}
	return n
}
