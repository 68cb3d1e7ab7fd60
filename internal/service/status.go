package service

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the state of one service
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
}

// NewServiceStatus creates a stopped status
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:   name,
		status: StatusStopped,
	}
}

// SetStatus sets the state. Running clears the error and stamps StartedAt.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == StatusRunning && s.status != StatusRunning {
		s.StartedAt = time.Now()
		s.err = nil
	}
	s.status = status
}

// SetError moves the service into the error state
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.err = err
}

// GetStatus returns the current state
func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// GetError returns the last error
func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// IsRunning reports whether the service is running
func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns the time since the service started running, or 0
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return 0
	}
	return time.Since(s.StartedAt)
}
