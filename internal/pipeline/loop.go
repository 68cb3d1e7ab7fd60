// Package pipeline drives a detector over a frame source, one frame at a
// time, and collects the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

// State is the lifecycle state of a Loop
type State int

const (
	StateReady State = iota
	StateDetecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDetecting:
		return "detecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrRunning is returned by Run while another Run is in progress
var ErrRunning = errors.New("pipeline already running")

// Options configures a Loop
type Options struct {
	// ROI is the initial search rectangle; empty means the full frame
	ROI       image.Rectangle
	Sinks     []Sink
	Adjuster  Adjuster
	MaxFrames int // 0 = until end of stream
}

// Status is a point-in-time view of a Loop for observers
type Status struct {
	State      string           `json:"state"`
	Frames     int              `json:"frames"`
	Failures   int              `json:"failures"`
	ROI        image.Rectangle  `json:"-"`
	LastResult *detector.Result `json:"last_result,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	StoppedAt  time.Time        `json:"stopped_at"`
}

// Loop runs Source → Detect → Sequence/Sinks strictly sequentially.
// UpdateSettings and SetROI may be called from any goroutine; their effect
// starts with the next frame.
type Loop struct {
	detector detector.Detector
	logger   *logger.Logger
	opts     Options

	mu              sync.Mutex
	state           State
	roi             *roi.ROI
	pendingROI      *image.Rectangle
	pendingSettings *detector.Settings
	frames          int
	failures        int
	last            *detector.Result
	startedAt       time.Time
	stoppedAt       time.Time
}

// NewLoop creates a loop around det
func NewLoop(det detector.Detector, opts Options, log *logger.Logger) *Loop {
	if log == nil {
		log = logger.NewNopLogger()
	}
	l := &Loop{
		detector: det,
		logger:   log.Named("pipeline"),
		opts:     opts,
		state:    StateReady,
	}
	if !opts.ROI.Empty() {
		rect := opts.ROI
		l.pendingROI = &rect
	}
	return l
}

// Configure replaces the sinks, adjuster and frame limit used by the next
// Run. The ROI and settings are left alone.
func (l *Loop) Configure(opts Options) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDetecting {
		return ErrRunning
	}
	l.opts.Sinks = opts.Sinks
	l.opts.Adjuster = opts.Adjuster
	l.opts.MaxFrames = opts.MaxFrames
	return nil
}

// State returns the current lifecycle state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns counters and the last result
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:     l.state.String(),
		Frames:    l.frames,
		Failures:  l.failures,
		StartedAt: l.startedAt,
		StoppedAt: l.stoppedAt,
	}
	if l.roi != nil {
		st.ROI = l.roi.Rect()
	}
	if l.pendingROI != nil {
		st.ROI = *l.pendingROI
	}
	if l.last != nil {
		last := *l.last
		st.LastResult = &last
	}
	return st
}

// Settings returns the detector settings that the next frame will use
func (l *Loop) Settings() detector.Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingSettings != nil {
		return *l.pendingSettings
	}
	return l.detector.Settings()
}

// UpdateSettings validates s and queues it for the next frame. While no run
// is in progress the settings are applied at once.
func (l *Loop) UpdateSettings(s detector.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDetecting {
		l.pendingSettings = nil
		return l.detector.UpdateSettings(s)
	}
	l.pendingSettings = &s
	return nil
}

// ROI returns the rectangle the next frame will be searched in. ok is false
// before the frame size is known and no rectangle was requested.
func (l *Loop) ROI() (image.Rectangle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingROI != nil {
		return *l.pendingROI, true
	}
	if l.roi != nil {
		return l.roi.Rect(), true
	}
	return image.Rectangle{}, false
}

// SetROI validates the rectangle and queues it for the next frame. Once the
// frame size is known the rectangle is clamped to it; before that only the
// shape is checked. Rejected rectangles leave the current one in place.
func (l *Loop) SetROI(lowerX, lowerY, upperX, upperY int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var probe *roi.ROI
	if l.roi != nil {
		cp := *l.roi
		probe = &cp
	} else {
		h, w := upperY, upperX
		if h < 1 {
			h = 1
		}
		if w < 1 {
			w = 1
		}
		var err error
		if probe, err = roi.New(h, w); err != nil {
			return err
		}
	}

	if err := probe.Set(lowerX, lowerY, upperX, upperY); err != nil {
		return err
	}
	rect := probe.Rect()
	l.pendingROI = &rect
	return nil
}

// ResetROI queues a return to the full frame
func (l *Loop) ResetROI() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingROI = nil
	if l.roi != nil {
		fh, fw := l.roi.FrameSize()
		full := image.Rect(0, 0, fw, fh)
		l.pendingROI = &full
	}
}

// Run processes src until it is exhausted, MaxFrames is reached or ctx is
// cancelled. Cancellation is observed between frames only: the frame in
// flight is always detected and recorded. The returned sequence holds every
// recorded result, also when an error is returned.
func (l *Loop) Run(ctx context.Context, src video.Source) (*Sequence, error) {
	l.mu.Lock()
	if l.state == StateDetecting {
		l.mu.Unlock()
		return nil, ErrRunning
	}
	l.state = StateDetecting
	l.frames, l.failures, l.last = 0, 0, nil
	l.startedAt, l.stoppedAt = time.Now(), time.Time{}
	l.mu.Unlock()

	seq := NewSequence()
	// Sinks keep working after cancellation so the last frame and the flush
	// reach them
	sinkCtx := context.WithoutCancel(ctx)

	l.logger.Info("Detection started", "method", l.detector.Method(), "max_frames", l.opts.MaxFrames)

	var runErr error
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, video.ErrEndOfStream), errors.Is(err, io.EOF):
			case ctx.Err() != nil:
				runErr = ctx.Err()
			default:
				runErr = fmt.Errorf("failed to read frame: %w", err)
			}
			break
		}

		r := l.beginFrame(frame)
		frame.ROI = r.Rect()

		res, err := l.detector.Detect(frame, &r)
		if err != nil {
			if !errors.Is(err, detector.ErrInput) {
				runErr = fmt.Errorf("failed to detect frame %d: %w", frame.Index, err)
				break
			}
			l.logger.Warn("Frame rejected", "frame", frame.Index, "error", err)
			res = detector.Failed(frame.Index, frame.Timestamp.Seconds(), l.detector.Method(), err)
		}

		seq.Append(res)
		l.deliver(sinkCtx, frame, res)
		l.endFrame(res)

		if l.opts.MaxFrames > 0 && seq.Len() >= l.opts.MaxFrames {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
	}

	for _, s := range l.opts.Sinks {
		if err := s.Flush(sinkCtx); err != nil {
			l.logger.Error("Failed to flush sink", "error", err)
		}
	}

	l.mu.Lock()
	l.state = StateStopped
	l.stoppedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info("Detection stopped",
		"frames", seq.Len(),
		"failures", seq.Failures(),
		"error", runErr,
	)
	return seq, runErr
}

// beginFrame applies queued updates and returns the ROI for this frame
func (l *Loop) beginFrame(frame video.Frame) roi.ROI {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingSettings != nil {
		if err := l.detector.UpdateSettings(*l.pendingSettings); err != nil {
			l.logger.Error("Failed to apply detector settings", "error", err)
		}
		l.pendingSettings = nil
	}

	h, w := frame.Height(), frame.Width()
	switch {
	case l.roi == nil:
		if r, err := roi.New(h, w); err == nil {
			l.roi = r
		}
	case !sameSize(l.roi, h, w):
		if err := l.roi.Resize(h, w); err != nil {
			l.logger.Warn("Frame size changed", "frame", frame.Index, "error", err)
		}
	}
	if l.roi == nil {
		// Empty frame; the detector reports it
		return roi.ROI{}
	}

	if l.pendingROI != nil {
		if err := l.roi.SetRect(*l.pendingROI); err != nil {
			l.logger.Warn("ROI rejected for frame size", "roi", *l.pendingROI, "error", err)
		}
		l.pendingROI = nil
	}
	return *l.roi
}

// endFrame updates counters and lets the adjuster move the ROI
func (l *Loop) endFrame(res detector.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames++
	if res.Error != "" {
		l.failures++
	}
	l.last = &res

	if l.opts.Adjuster != nil && l.roi != nil && l.pendingROI == nil {
		l.opts.Adjuster(res, l.roi)
	}
}

func (l *Loop) deliver(ctx context.Context, frame video.Frame, res detector.Result) {
	for _, s := range l.opts.Sinks {
		var err error
		if fs, ok := s.(FrameSink); ok {
			err = fs.AppendFrame(ctx, frame, res)
		} else {
			err = s.Append(ctx, res)
		}
		if err != nil {
			l.logger.Error("Sink failed", "frame", res.FrameIndex, "error", err)
		}
	}
}

func sameSize(r *roi.ROI, height, width int) bool {
	fh, fw := r.FrameSize()
	return fh == height && fw == width
}
