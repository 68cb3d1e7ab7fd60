package storage

import (
	"context"
	"testing"

	"github.com/skulumani/pupil/internal/logger"
)

func TestDiskMonitor_GetUsage(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 100, logger.NewNopLogger())

	usage, err := monitor.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}

	if usage.TotalBytes <= 0 {
		t.Error("TotalBytes should be greater than 0")
	}
	if usage.AvailableBytes < 0 || usage.UsedBytes < 0 {
		t.Errorf("Byte counts should not be negative: %+v", usage)
	}
	if usage.UsagePercent < 0 || usage.UsagePercent > 100 {
		t.Errorf("UsagePercent should be between 0 and 100, got %f", usage.UsagePercent)
	}
}

func TestDiskMonitor_HasSpace(t *testing.T) {
	ctx := context.Background()

	monitor := NewDiskMonitor(t.TempDir(), 100, logger.NewNopLogger())
	usage, err := monitor.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}

	hasSpace, err := monitor.HasSpace(ctx)
	if err != nil {
		t.Fatalf("HasSpace failed: %v", err)
	}
	if hasSpace != (usage.UsagePercent < 100) {
		t.Errorf("HasSpace = %v with usage %.2f%%", hasSpace, usage.UsagePercent)
	}
}

func TestDiskMonitor_DefaultThreshold(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 0, logger.NewNopLogger())
	if monitor.MaxUsagePercent() != 90.0 {
		t.Errorf("Expected default max usage 90, got %f", monitor.MaxUsagePercent())
	}
}

func TestDiskMonitor_Caching(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 100, logger.NewNopLogger())
	ctx := context.Background()

	usage1, err := monitor.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	usage2, err := monitor.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}

	if *usage1 != *usage2 {
		t.Error("Cached usage should return the same values")
	}

	monitor.Invalidate()
	if _, err := monitor.GetUsage(ctx); err != nil {
		t.Fatalf("GetUsage after Invalidate failed: %v", err)
	}
}
