// Package locker serializes work per conversation while bounding how many
// conversations run at once. Each conversation id owns a FIFO queue drained
// by a single worker goroutine; a global weighted semaphore caps the number
// of conversations with a running worker.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Acquire after Shutdown has begun.
var ErrShuttingDown = errors.New("lock manager is shutting down")

// Handler is the unit of work executed under a conversation's lock. The
// context is the manager's run context; handlers observe cancellation at
// their own suspension points.
type Handler func(ctx context.Context) error

type task struct {
	fn   Handler
	done chan error
}

type queue struct {
	pending []*task
	running bool
}

// Manager is the process-wide conversation lock registry.
type Manager struct {
	maxConcurrent int
	sem           *semaphore.Weighted

	mu       sync.Mutex
	queues   map[string]*queue
	draining bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Manager admitting at most maxConcurrent distinct
// conversations at once.
func New(maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		queues:        make(map[string]*queue),
		runCtx:        ctx,
		runCancel:     cancel,
	}
}

// Acquire enqueues fn under conversationID and blocks until it has run.
// Calls for the same id execute strictly in submission order; the handler's
// error (or panic, converted) is returned to this caller.
func (m *Manager) Acquire(ctx context.Context, conversationID string, fn Handler) error {
	t := &task{fn: fn, done: make(chan error, 1)}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	q, ok := m.queues[conversationID]
	if !ok {
		q = &queue{}
		m.queues[conversationID] = q
	}
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		m.wg.Add(1)
		go m.drain(conversationID, q)
	}
	m.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs in order; the caller just stops waiting.
		return ctx.Err()
	}
}

// drain owns one conversation's queue: it holds a semaphore slot from the
// first task until the queue is empty, so a burst of messages to one
// conversation consumes a single concurrency unit.
func (m *Manager) drain(conversationID string, q *queue) {
	defer m.wg.Done()

	if err := m.sem.Acquire(m.runCtx, 1); err != nil {
		m.failPending(conversationID, q, err)
		return
	}
	defer m.sem.Release(1)

	for {
		m.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(m.queues, conversationID)
			m.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		m.mu.Unlock()

		t.done <- m.runTask(t)
	}
}

func (m *Manager) runTask(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.fn(m.runCtx)
}

// failPending delivers err to every queued task after a failed semaphore
// acquire (shutdown) and unregisters the queue.
func (m *Manager) failPending(conversationID string, q *queue, err error) {
	m.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.running = false
	delete(m.queues, conversationID)
	m.mu.Unlock()
	for _, t := range pending {
		t.done <- err
	}
}

// Stats is a point-in-time snapshot of manager state.
type Stats struct {
	Active                int
	QueuedTotal           int
	QueuedByConversation  map[string]int
	ActiveConversationIDs []string
	MaxConcurrent         int
}

// Stats reports active and queued work per conversation.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		QueuedByConversation: make(map[string]int, len(m.queues)),
		MaxConcurrent:        m.maxConcurrent,
	}
	for id, q := range m.queues {
		if q.running {
			s.Active++
			s.ActiveConversationIDs = append(s.ActiveConversationIDs, id)
		}
		if len(q.pending) > 0 {
			s.QueuedByConversation[id] = len(q.pending)
			s.QueuedTotal += len(q.pending)
		}
	}
	return s
}

// Shutdown stops admitting new work and waits for in-flight handlers, up to
// ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.runCancel()
		return nil
	case <-ctx.Done():
		m.runCancel()
		return ctx.Err()
	}
}
