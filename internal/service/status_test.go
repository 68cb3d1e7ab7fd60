package service

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewServiceStatus(t *testing.T) {
	status := NewServiceStatus("pipeline")

	if status.Name != "pipeline" {
		t.Errorf("Expected name 'pipeline', got %s", status.Name)
	}
	if status.GetStatus() != StatusStopped {
		t.Errorf("Expected initial status %s, got %s", StatusStopped, status.GetStatus())
	}
	if status.GetUptime() != 0 {
		t.Error("A stopped service has no uptime")
	}
}

func TestServiceStatus_Lifecycle(t *testing.T) {
	runFailed := errors.New("source closed unexpectedly")

	tests := []struct {
		name        string
		apply       func(s *ServiceStatus)
		wantStatus  Status
		wantErr     error
		wantRunning bool
	}{
		{
			name:       "starting",
			apply:      func(s *ServiceStatus) { s.SetStatus(StatusStarting) },
			wantStatus: StatusStarting,
		},
		{
			name: "running",
			apply: func(s *ServiceStatus) {
				s.SetStatus(StatusStarting)
				s.SetStatus(StatusRunning)
			},
			wantStatus:  StatusRunning,
			wantRunning: true,
		},
		{
			name: "run failed",
			apply: func(s *ServiceStatus) {
				s.SetStatus(StatusRunning)
				s.SetError(runFailed)
			},
			wantStatus: StatusError,
			wantErr:    runFailed,
		},
		{
			name: "stopped after failure keeps the error",
			apply: func(s *ServiceStatus) {
				s.SetError(runFailed)
				s.SetStatus(StatusStopped)
			},
			wantStatus: StatusStopped,
			wantErr:    runFailed,
		},
		{
			name: "restart clears the error",
			apply: func(s *ServiceStatus) {
				s.SetError(runFailed)
				s.SetStatus(StatusRunning)
			},
			wantStatus:  StatusRunning,
			wantRunning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewServiceStatus("pipeline")
			tt.apply(status)

			if got := status.GetStatus(); got != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, got)
			}
			if got := status.GetError(); got != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, got)
			}
			if got := status.IsRunning(); got != tt.wantRunning {
				t.Errorf("Expected IsRunning %v, got %v", tt.wantRunning, got)
			}
		})
	}
}

func TestServiceStatus_StartedAt(t *testing.T) {
	status := NewServiceStatus("web-server")

	status.SetStatus(StatusRunning)
	first := status.StartedAt
	if first.IsZero() {
		t.Fatal("StartedAt should be set when status is Running")
	}

	// Repeating Running does not restart the clock
	time.Sleep(5 * time.Millisecond)
	status.SetStatus(StatusRunning)
	if !status.StartedAt.Equal(first) {
		t.Error("StartedAt should not move while already running")
	}
}

func TestServiceStatus_GetUptime(t *testing.T) {
	status := NewServiceStatus("pipeline")
	status.SetStatus(StatusRunning)

	time.Sleep(100 * time.Millisecond)
	if uptime := status.GetUptime(); uptime < 100*time.Millisecond {
		t.Errorf("Expected uptime >= 100ms, got %v", uptime)
	}

	status.SetStatus(StatusStopping)
	if status.GetUptime() != 0 {
		t.Error("Uptime should be 0 once the service leaves Running")
	}
}

func TestServiceStatus_ConcurrentAccess(t *testing.T) {
	status := NewServiceStatus("pipeline")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				status.SetStatus(StatusRunning)
			} else {
				status.SetError(errors.New("frame source failed"))
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = status.GetStatus()
			_ = status.GetError()
			_ = status.GetUptime()
		}()
	}
	wg.Wait()

	switch status.GetStatus() {
	case StatusRunning, StatusError:
	default:
		t.Errorf("Unexpected final status %s", status.GetStatus())
	}
}
