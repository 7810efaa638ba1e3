package agents

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type updateKind int

const (
	updateStatus updateKind = iota
	updateNotification
)

type update struct {
	kind         updateKind
	agentID      string
	status       Status
	notification Notification
}

// Publisher writes status and notification changes to the Store from a
// single goroutine so callers on hot paths never block on SQLite. Updates
// are fire-and-forget: a full queue drops the update and a failed write is
// logged.
type Publisher struct {
	store *Store
	queue chan update

	mu          sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

func NewPublisher(store *Store, size int) *Publisher {
	if size <= 0 {
		size = 256
	}
	return &Publisher{store: store, queue: make(chan update, size)}
}

func (p *Publisher) SetStatus(agentID string, status Status) {
	p.enqueue(update{kind: updateStatus, agentID: agentID, status: status})
}

func (p *Publisher) SetNotification(agentID string, n Notification) {
	p.enqueue(update{kind: updateNotification, agentID: agentID, notification: n})
}

func (p *Publisher) ClearNotification(agentID string) {
	p.SetNotification(agentID, NotifyNone)
}

func (p *Publisher) enqueue(u update) {
	select {
	case p.queue <- u:
	default:
		p.mu.Lock()
		p.dropped++
		now := time.Now()
		if p.lastDropLog.IsZero() || now.Sub(p.lastDropLog) >= 10*time.Second {
			log.Printf("agent status updates dropped: %d (queue full)", p.dropped)
			p.dropped = 0
			p.lastDropLog = now
		}
		p.mu.Unlock()
	}
}

// Run applies queued updates until ctx is cancelled, then drains whatever
// is still buffered. Writes never inherit ctx, so an update dequeued after
// cancellation still lands.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case u := <-p.queue:
			p.apply(u)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case u := <-p.queue:
			p.apply(u)
		default:
			return
		}
	}
}

func (p *Publisher) apply(u update) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch u.kind {
	case updateStatus:
		err = p.store.SetStatus(ctx, u.agentID, u.status)
	case updateNotification:
		err = p.store.SetNotification(ctx, u.agentID, u.notification)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("agent %s: status update failed: %v", u.agentID, err)
	}
}
