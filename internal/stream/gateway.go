// Package stream fans pipeline events out to observers.
//
// Each observer owns a buffered channel. Publish never blocks: an observer
// whose buffer is full is dropped and its channel closed. Closing a
// subscription never affects the pipeline that produces the events.
package stream

import (
	"log/slog"
	"sync"

	"github.com/regreport/eclbatch/internal/domain"
)

const DefaultBuffer = 64

type Gateway struct {
	mu     sync.Mutex
	buffer int
	logger *slog.Logger
	subs   map[domain.BusinessDate]map[*Subscription]struct{}
}

func NewGateway(buffer int, logger *slog.Logger) *Gateway {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		buffer: buffer,
		logger: logger,
		subs:   map[domain.BusinessDate]map[*Subscription]struct{}{},
	}
}

type Subscription struct {
	gw      *Gateway
	date    domain.BusinessDate
	ch      chan Event
	dropped bool
}

// Events is closed when the invocation finishes, the observer is dropped or
// Close is called.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Date() domain.BusinessDate {
	return s.date
}

// Dropped reports whether the gateway evicted this observer for falling behind.
func (s *Subscription) Dropped() bool {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	return s.dropped
}

// Close is idempotent.
func (s *Subscription) Close() {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	s.gw.removeLocked(s)
}

func (g *Gateway) Subscribe(date domain.BusinessDate) *Subscription {
	sub := &Subscription{gw: g, date: date, ch: make(chan Event, g.buffer)}
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subs[date]
	if !ok {
		set = map[*Subscription]struct{}{}
		g.subs[date] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (g *Gateway) Publish(date domain.BusinessDate, ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs[date] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			g.removeLocked(sub)
			g.logger.Warn("stream observer dropped", "date", date.String(), "event", string(ev.Type))
		}
	}
}

// Finish closes every subscription of date.
func (g *Gateway) Finish(date domain.BusinessDate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs[date] {
		close(sub.ch)
	}
	delete(g.subs, date)
}

// Observers counts live subscriptions of date.
func (g *Gateway) Observers(date domain.BusinessDate) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[date])
}

func (g *Gateway) removeLocked(sub *Subscription) {
	set, ok := g.subs[sub.date]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(g.subs, sub.date)
	}
}
