package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// inflightRegistry tracks running chunk jobs and supports graceful draining
// and session-scoped cancellation. When draining is enabled, new jobs are
// rejected while running ones finish naturally.
//
// The mutex makes the draining check and wg.Add atomic in add, preventing a
// TOCTOU race where startDraining+wait could run between the draining check
// and wg.Add.
type inflightRegistry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]map[string]context.CancelFunc // session -> chunk -> cancel
	wg       sync.WaitGroup
	count    atomic.Int64
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{sessions: make(map[string]map[string]context.CancelFunc)}
}

// add registers a running chunk job with its cancel function. It returns
// false if the registry is draining, meaning the job must not start.
func (r *inflightRegistry) add(sessionID, chunkID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	chunks, ok := r.sessions[sessionID]
	if !ok {
		chunks = make(map[string]context.CancelFunc)
		r.sessions[sessionID] = chunks
	}
	chunks[chunkID] = cancel
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// done removes a chunk job. Must be called exactly once per successful add.
func (r *inflightRegistry) done(sessionID, chunkID string) {
	r.mu.Lock()
	if chunks, ok := r.sessions[sessionID]; ok {
		delete(chunks, chunkID)
		if len(chunks) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()
	r.count.Add(-1)
	r.wg.Done()
}

// has reports whether the chunk is being worked in this process.
func (r *inflightRegistry) has(chunkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chunks := range r.sessions {
		if _, ok := chunks[chunkID]; ok {
			return true
		}
	}
	return false
}

// cancelSession cancels every job currently running for one session.
func (r *inflightRegistry) cancelSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.sessions[sessionID] {
		cancel()
	}
}

// startDraining makes all future add calls return false. Safe to call
// concurrently with add.
func (r *inflightRegistry) startDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// active returns the number of currently running jobs.
func (r *inflightRegistry) active() int64 {
	return r.count.Load()
}

// wait blocks until every added job has called done.
func (r *inflightRegistry) wait() {
	r.wg.Wait()
}
