package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/storage"
)

// SystemChecker reports process resources
type SystemChecker struct{}

func (c *SystemChecker) Name() string {
	return "system"
}

func (c *SystemChecker) Check(ctx context.Context) Check {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Check{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "System resources OK",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     mem.HeapAlloc,
			"num_gc":         mem.NumGC,
			"go_version":     runtime.Version(),
			"num_cpu":        runtime.NumCPU(),
			"sys_bytes":      mem.Sys,
			"gc_pause_total": time.Duration(mem.PauseTotalNs).String(),
		},
	}
}

// Pinger is implemented by the state manager
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
	}

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "State database not configured"
		return check
	}

	start := time.Now()
	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	check.Details = map[string]interface{}{"ping_ms": time.Since(start).Milliseconds()}
	return check
}

// DiskUsageReporter is implemented by the snapshot store
type DiskUsageReporter interface {
	Dir() string
	GetDiskUsage(ctx context.Context) (*storage.DiskUsage, error)
	HasSpace(ctx context.Context) (bool, error)
}

// StorageChecker checks the snapshot directory. Running out of space only
// pauses snapshots, so it degrades rather than fails.
type StorageChecker struct {
	store DiskUsageReporter
}

func NewStorageChecker(store DiskUsageReporter) *StorageChecker {
	return &StorageChecker{store: store}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	if c.store == nil {
		check.Status = StatusHealthy
		check.Message = "Snapshots disabled"
		return check
	}
	check.Details["snapshots_dir"] = c.store.Dir()

	usage, err := c.store.GetDiskUsage(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes

	hasSpace, err := c.store.HasSpace(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to check disk space: %v", err)
		return check
	}
	if !hasSpace {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage %.1f%% over limit, snapshots paused", usage.UsagePercent)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Snapshot storage OK"
	return check
}

// PipelineStatusProvider is implemented by the pipeline service
type PipelineStatusProvider interface {
	Status() pipeline.Status
}

// PipelineChecker reports the detection loop. A run where most frames fail
// is degraded.
type PipelineChecker struct {
	pipeline        PipelineStatusProvider
	maxFailureRatio float64
}

func NewPipelineChecker(p PipelineStatusProvider, maxFailureRatio float64) *PipelineChecker {
	if maxFailureRatio <= 0 || maxFailureRatio > 1 {
		maxFailureRatio = 0.5
	}
	return &PipelineChecker{pipeline: p, maxFailureRatio: maxFailureRatio}
}

func (c *PipelineChecker) Name() string {
	return "pipeline"
}

func (c *PipelineChecker) Check(ctx context.Context) Check {
	st := c.pipeline.Status()
	check := Check{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"state":    st.State,
			"frames":   st.Frames,
			"failures": st.Failures,
		},
	}
	if st.LastResult != nil {
		check.Details["last_confidence"] = st.LastResult.Confidence
	}

	if st.Frames > 0 {
		ratio := float64(st.Failures) / float64(st.Frames)
		check.Details["failure_ratio"] = ratio
		if ratio > c.maxFailureRatio {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d of %d frames failed", st.Failures, st.Frames)
			return check
		}
	}

	check.Message = fmt.Sprintf("Pipeline %s", st.State)
	return check
}
