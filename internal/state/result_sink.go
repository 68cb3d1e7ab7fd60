package state

import (
	"context"
	"sync"

	"github.com/skulumani/pupil/internal/detector"
)

// DefaultBatchSize is the number of results buffered before a write
const DefaultBatchSize = 64

// ResultSink buffers loop results and writes them to a session in batches
type ResultSink struct {
	mgr       *Manager
	sessionID string
	batchSize int

	mu      sync.Mutex
	pending []detector.Result
	written int
}

// NewResultSink returns a sink writing into sessionID. batchSize <= 0 uses
// DefaultBatchSize.
func (m *Manager) NewResultSink(sessionID string, batchSize int) *ResultSink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ResultSink{
		mgr:       m,
		sessionID: sessionID,
		batchSize: batchSize,
		pending:   make([]detector.Result, 0, batchSize),
	}
}

// Append buffers res and writes the batch once it is full
func (s *ResultSink) Append(ctx context.Context, res detector.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, res)
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.writeLocked(ctx)
}

// Flush writes whatever is buffered
func (s *ResultSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx)
}

// Written returns the number of results stored so far
func (s *ResultSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// SessionID returns the session the sink writes to
func (s *ResultSink) SessionID() string {
	return s.sessionID
}

func (s *ResultSink) writeLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.mgr.SaveDetections(ctx, s.sessionID, s.pending); err != nil {
		return err
	}
	s.written += len(s.pending)
	s.pending = s.pending[:0]
	return nil
}
