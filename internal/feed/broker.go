// Package feed fans change notifications out to subscribers inside one
// process. Each subscriber has its own backlog, so a slow reader never
// loses notifications and never stalls the publisher.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

var ErrClosed = errors.New("feed closed")

// Broker implements store.Feed in memory.
type Broker struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

var _ store.Feed = (*Broker)(nil)

type subscriber struct {
	filter store.ChangeFilter

	mu      sync.Mutex
	backlog []models.ChangeNotification
	notify  chan struct{}
	out     chan models.ChangeNotification
	done    chan struct{}
}

func NewBroker(log *slog.Logger) *Broker {
	return &Broker{log: log, subs: make(map[int]*subscriber)}
}

// Publish appends n to every matching subscriber's backlog.
func (b *Broker) Publish(_ context.Context, n models.ChangeNotification) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(n) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(n)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, filter store.ChangeFilter) (<-chan models.ChangeNotification, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscriber{
		filter: filter,
		notify: make(chan struct{}, 1),
		out:    make(chan models.ChangeNotification),
		done:   make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	b.log.Debug("feed subscriber added", "subscriber", id, "day", filter.Day)
	go b.pump(ctx, id, s)
	return s.out, nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Further Publish/Subscribe calls fail.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.Disconnect()
}

// Disconnect ends every current subscription and returns how many there
// were. The broker stays open for new subscribers.
func (b *Broker) Disconnect() int {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	return len(subs)
}

// pump moves backlog items to the subscriber's output channel in order.
func (b *Broker) pump(ctx context.Context, id int, s *subscriber) {
	defer close(s.out)
	defer b.remove(id)
	for {
		n, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}
		select {
		case s.out <- n:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (b *Broker) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	b.log.Debug("feed subscriber removed", "subscriber", id)
}

func (s *subscriber) enqueue(n models.ChangeNotification) {
	s.mu.Lock()
	s.backlog = append(s.backlog, n)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (models.ChangeNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return models.ChangeNotification{}, false
	}
	n := s.backlog[0]
	s.backlog = s.backlog[1:]
	return n, true
}
