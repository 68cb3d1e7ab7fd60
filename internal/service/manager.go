package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/skulumani/pupil/internal/logger"
)

// Manager manages the lifecycle of all services
type Manager struct {
	logger     *logger.Logger
	services   []Service
	statuses   map[string]*ServiceStatus
	eventBus   *EventBus
	mu         sync.RWMutex
	startOrder []Service // Services that started, for reverse shutdown
	stopEvents context.CancelFunc
}

// Service represents a service that can be started and stopped. Start must
// not block; long running work belongs in goroutines stopped by Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ServiceWithEvents is a service that can publish events
type ServiceWithEvents interface {
	Service
	SetEventBus(bus *EventBus)
}

// NewManager creates a new service manager
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:   log.Named("service"),
		services: make([]Service, 0),
		statuses: make(map[string]*ServiceStatus),
		eventBus: NewEventBus(100),
	}
}

// GetEventBus returns the event bus for inter-service communication
func (m *Manager) GetEventBus() *EventBus {
	return m.eventBus
}

// Register registers a service with the manager
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
	m.statuses[svc.Name()] = NewServiceStatus(svc.Name())

	if svcWithEvents, ok := svc.(ServiceWithEvents); ok {
		svcWithEvents.SetEventBus(m.eventBus)
	}
}

// Start starts all registered services in registration order. It stops at
// the first failure; services already started keep running until Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Starting services", "count", len(m.services))

	eventCtx, cancel := context.WithCancel(ctx)
	m.stopEvents = cancel
	m.startEventMonitoring(eventCtx)

	for _, svc := range m.services {
		status := m.statuses[svc.Name()]
		status.SetStatus(StatusStarting)

		if err := svc.Start(ctx); err != nil {
			status.SetError(err)
			m.logger.Error("Service failed to start", "service", svc.Name(), "error", err)
			m.eventBus.Publish(Event{
				Type:   EventTypeServiceError,
				Source: svc.Name(),
				Data:   map[string]interface{}{"error": err.Error()},
			})
			return fmt.Errorf("failed to start %s: %w", svc.Name(), err)
		}

		status.SetStatus(StatusRunning)
		m.startOrder = append(m.startOrder, svc)
		m.logger.Info("Service started", "service", svc.Name())
		m.eventBus.Publish(Event{
			Type:   EventTypeServiceStarted,
			Source: "manager",
			Data:   map[string]interface{}{"service": svc.Name()},
		})
	}

	return nil
}

// startEventMonitoring logs every event at debug level
func (m *Manager) startEventMonitoring(ctx context.Context) {
	ch := m.eventBus.SubscribeAll()
	go func() {
		defer m.eventBus.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if event.Type == EventTypeFrameProcessed {
					continue
				}
				m.logger.Debug("Event received",
					"type", event.Type,
					"source", event.Source,
					"timestamp", event.Timestamp,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the started services in reverse order and returns every
// stop error
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Shutting down services", "count", len(m.startOrder))

	var errs error
	for i := len(m.startOrder) - 1; i >= 0; i-- {
		svc := m.startOrder[i]
		status := m.statuses[svc.Name()]

		status.SetStatus(StatusStopping)
		m.logger.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := svc.Stop(stopCtx)
		cancel()

		if err != nil {
			status.SetError(err)
			m.logger.Error("Error stopping service", "service", svc.Name(), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		} else {
			status.SetStatus(StatusStopped)
			m.logger.Info("Service stopped", "service", svc.Name())
		}

		m.eventBus.Publish(Event{
			Type:   EventTypeServiceStopped,
			Source: "manager",
			Data:   map[string]interface{}{"service": svc.Name()},
		})
	}
	m.startOrder = nil

	if m.stopEvents != nil {
		m.stopEvents()
	}
	m.eventBus.Close()

	if errs == nil {
		m.logger.Info("All services stopped")
	}
	return errs
}

// GetServiceCount returns the number of registered services
func (m *Manager) GetServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.services)
}

// GetServiceStatus returns the status of a service
func (m *Manager) GetServiceStatus(serviceName string) *ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[serviceName]
}

// GetAllStatuses returns all service statuses
func (m *Manager) GetAllStatuses() map[string]*ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]*ServiceStatus, len(m.statuses))
	for name, status := range m.statuses {
		statuses[name] = status
	}
	return statuses
}
