package health

import (
	"context"
	"sync"
	"time"

	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ServiceReport is the lifecycle view of one registered service
type ServiceReport struct {
	Status service.Status `json:"status"`
	Uptime string         `json:"uptime"`
	Error  string         `json:"error,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Checks    map[string]Check         `json:"checks"`
	Services  map[string]ServiceReport `json:"services,omitempty"`
}

// Ready reports whether the process can serve requests
func (r HealthReport) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs the registered checkers and folds in service statuses
type Manager struct {
	logger     *logger.Logger
	checkers   []Checker
	svcManager *service.Manager
	startTime  time.Time
	timeout    time.Duration
	mu         sync.RWMutex
}

// NewManager creates a new health check manager. svcManager may be nil.
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:     log.Named("health"),
		checkers:   make([]Checker, 0),
		svcManager: svcManager,
		startTime:  time.Now(),
		timeout:    2 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check performs all health checks. A service in the error state makes the
// report unhealthy.
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	overall := StatusHealthy

	for _, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		check := checker.Check(checkCtx)
		cancel()

		if check.Name == "" {
			check.Name = checker.Name()
		}
		if check.Timestamp.IsZero() {
			check.Timestamp = time.Now()
		}
		checks[check.Name] = check
		overall = worst(overall, check.Status)

		if check.Status != StatusHealthy {
			m.logger.Debug("Health check not healthy", "check", check.Name, "status", check.Status, "message", check.Message)
		}
	}

	services := make(map[string]ServiceReport)
	if m.svcManager != nil {
		for name, status := range m.svcManager.GetAllStatuses() {
			report := ServiceReport{
				Status: status.GetStatus(),
				Uptime: status.GetUptime().Round(time.Second).String(),
			}
			if err := status.GetError(); err != nil {
				report.Error = err.Error()
			}
			if report.Status == service.StatusError {
				overall = StatusUnhealthy
			}
			services[name] = report
		}
	}

	return HealthReport{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  services,
	}
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
