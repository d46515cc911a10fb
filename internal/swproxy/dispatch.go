package swproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

type Event interface {
	Kind() EventKind
}

type InstallEvent struct {
	Worker *Worker
}

func (*InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct {
	Worker *Worker
	// Report is filled by the handler; read it only after the task settled.
	Report ActivateReport
}

func (*ActivateEvent) Kind() EventKind { return EventActivate }

type FetchEvent struct {
	Request *http.Request
	Class   Class

	resp   CacheEntry
	source Source
	set    bool
}

func (*FetchEvent) Kind() EventKind { return EventFetch }

// RespondWith records the response the host should write.
func (e *FetchEvent) RespondWith(ent CacheEntry, src Source) {
	e.resp, e.source, e.set = ent, src, true
}

// Response returns what the handler responded with, if anything.
func (e *FetchEvent) Response() (CacheEntry, Source, bool) {
	return e.resp, e.source, e.set
}

type PushEvent struct {
	// Data is the raw payload; nil means the message carried none.
	Data []byte

	Notification Notification
}

func (*PushEvent) Kind() EventKind { return EventPush }

type NotificationClickEvent struct {
	Notification Notification

	Result OpenResult
}

func (*NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

// Task is the pending work an event handler hands back. The host must Wait
// on it before the event counts as finished.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn in its own goroutine and returns the task tracking it.
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				t.err = fmt.Errorf("event handler panic: %v", p)
			}
		}()
		t.err = fn()
	}()
	return t
}

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Done() <-chan struct{} { return t.done }

// HandlerFunc handles one event. Returning nil means the event was not taken
// over; for fetch events the host then goes to the network itself.
type HandlerFunc func(ctx context.Context, ev Event) *Task

// Dispatcher is the event table of the worker.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[EventKind]HandlerFunc{}}
}

func (d *Dispatcher) On(kind EventKind, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Task {
	d.mu.RLock()
	h := d.handlers[ev.Kind()]
	d.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, ev)
}
