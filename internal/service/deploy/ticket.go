package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

var (
	// ErrDropped resolves tickets still queued when the worker shuts down.
	ErrDropped = errors.New("deploy: dropped at shutdown before it started")
	// ErrQueueClosed resolves tickets enqueued after shutdown began.
	ErrQueueClosed = errors.New("deploy: queue closed")
)

// Outcome is how a queued request ended. DeployID is empty when no deploy
// row was created, e.g. for an unknown project.
type Outcome struct {
	DeployID string
	Status   domain.DeployStatus
	Err      error
}

// Ticket lets a caller optionally wait for the pipeline it enqueued.
// Ignoring it is fine; the worker never blocks on it.
type Ticket struct {
	ProjectID  string
	EnqueuedAt time.Time

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newTicket(projectID string, now time.Time) *Ticket {
	return &Ticket{ProjectID: projectID, EnqueuedAt: now, done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome; it is only meaningful after Done is closed.
func (t *Ticket) Result() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (t *Ticket) resolve(o Outcome) {
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
	})
}
