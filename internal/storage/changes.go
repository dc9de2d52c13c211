package storage

import (
	"sync"

	"github.com/kalambet/agilelab/internal/metrics"
	"github.com/kalambet/agilelab/internal/project"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan project.TaskEvent
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// changeHub fans task events out to per-project subscribers.
type changeHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*subscriber
	closed bool
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[string]map[int]*subscriber)}
}

func (h *changeHub) subscribe(projectID string, fn func(project.TaskEvent)) func() {
	sub := &subscriber{
		ch:   make(chan project.TaskEvent, subscriberBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[int]*subscriber)
	}
	h.subs[projectID][id] = sub
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				fn(ev)
			}
		}
	}()

	return func() {
		h.mu.Lock()
		delete(h.subs[projectID], id)
		if len(h.subs[projectID]) == 0 {
			delete(h.subs, projectID)
		}
		h.mu.Unlock()
		sub.stop()
	}
}

// publish never blocks. A subscriber whose buffer is full misses the event.
func (h *changeHub) publish(ev project.TaskEvent) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[ev.Task.ProjectID]))
	for _, sub := range h.subs[ev.Task.ProjectID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.TaskEventsDropped.Inc()
		}
	}
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for pid, subs := range h.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(h.subs, pid)
	}
}
