package dispatch

import "sync"

// SessionQueue runs jobs in FIFO order per session key while different
// sessions run in parallel. Each session with pending work has one worker
// goroutine, which exits when its queue drains.
type SessionQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	closed  bool
	wg      sync.WaitGroup
}

// NewSessionQueue creates an empty queue.
func NewSessionQueue() *SessionQueue {
	return &SessionQueue{pending: make(map[string][]func())}
}

// Submit enqueues job behind any earlier jobs for session. It returns
// false, without running job, once Close has been called.
func (q *SessionQueue) Submit(session string, job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	jobs, running := q.pending[session]
	q.pending[session] = append(jobs, job)
	if !running {
		q.wg.Add(1)
		go q.drain(session)
	}
	return true
}

// drain is the session's worker. A key stays in pending for as long as its
// worker runs.
func (q *SessionQueue) drain(session string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[session]
		if len(jobs) == 0 {
			delete(q.pending, session)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		jobs[0] = nil
		q.pending[session] = jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// Active returns the number of sessions with queued or running work.
func (q *SessionQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting jobs and waits for every queued job to finish.
func (q *SessionQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
