package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skulumani/pupil/internal/health"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/service"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
	"github.com/skulumani/pupil/internal/video"
)

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": fmt.Sprintf("%s not available", what),
	})
}

// handleHealth runs all health checks
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "service": "web-server"})
		return
	}

	report := s.deps.Health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, report)
}

// handleLiveness answers as long as the process serves requests
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// handleReadiness is ready unless a check is unhealthy
func (s *Server) handleReadiness(c *gin.Context) {
	ready := true
	status := health.StatusHealthy
	if s.deps.Health != nil {
		report := s.deps.Health.Check(c.Request.Context())
		ready, status = report.Ready(), report.Status
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"status":    status,
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// handleStatus reports the process and the current run
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"status":         "healthy",
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.GetStatus().GetStatus() == service.StatusError {
		resp["status"] = "unhealthy"
	}

	if p := s.deps.Pipeline; p != nil {
		resp["pipeline"] = p.Status()
		if rect, ok := p.ROI(); ok {
			resp["roi"] = roiJSON(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y)
		}
		if session := p.Session(); session != nil {
			resp["session"] = session
		}
		if last := p.LastSnapshot(); last != "" {
			resp["last_snapshot"] = last
		}
	}
	if m := s.deps.Metrics; m != nil {
		resp["metrics"] = gin.H{
			"frames_processed": m.FramesProcessed.Load(),
			"frames_detected":  m.FramesDetected.Load(),
			"frame_failures":   m.FrameFailures.Load(),
			"last_confidence":  m.LastConfidence(),
			"last_diameter":    m.LastDiameter(),
			"frame_latency_ms": m.FrameLatencyMs.Load(),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetConfig returns the loaded configuration
func (s *Server) handleGetConfig(c *gin.Context) {
	if s.deps.Config == nil {
		unavailable(c, "Configuration service")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":   s.deps.Config.Path(),
		"config": s.deps.Config.Get(),
	})
}

// handleSourcePreview grabs one frame of the configured input as JPEG.
// Query: offset (seconds), width.
func (s *Server) handleSourcePreview(c *gin.Context) {
	if s.deps.Config == nil {
		unavailable(c, "Configuration service")
		return
	}
	input := s.deps.Config.Get().Source.Input
	if input == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No source input configured"})
		return
	}

	offset, err := strconv.ParseFloat(c.DefaultQuery("offset", "0"), 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative number of seconds"})
		return
	}
	width, err := queryInt(c, "width", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ffmpeg, err := video.NewFFmpegWrapper(s.Logger())
	if err != nil {
		unavailable(c, "FFmpeg")
		return
	}
	data, size, err := ffmpeg.Preview(c.Request.Context(), input, video.PreviewOptions{
		Offset: time.Duration(offset * float64(time.Second)),
		Width:  width,
	})
	if err != nil {
		s.Logger().Warn("Source preview failed", "input", input, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Header("X-Frame-Width", strconv.Itoa(size.X))
	c.Header("X-Frame-Height", strconv.Itoa(size.Y))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleEvents streams bus events as server-sent events until the client
// goes away. Per-frame events are only sent with ?frames=true.
func (s *Server) handleEvents(c *gin.Context) {
	bus := s.GetEventBus()
	if bus == nil {
		unavailable(c, "Event bus")
		return
	}
	frames := c.Query("frames") == "true"

	ch := bus.SubscribeAll()
	defer bus.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			if event.Type == service.EventTypeFrameProcessed && !frames {
				return true
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleGetSettings returns the detector settings as the flat mapping
func (s *Server) handleGetSettings(c *gin.Context) {
	if s.deps.Pipeline == nil {
		unavailable(c, "Pipeline")
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s.deps.Pipeline.Settings().Flatten()})
}

// handleUpdateSettings merges a partial flat mapping into the current
// settings. Unknown keys are reported, not rejected.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	if s.deps.Pipeline == nil {
		unavailable(c, "Pipeline")
		return
	}

	var values map[string]interface{}
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	merged, unknown, err := s.deps.Pipeline.MergeSettings(c.Request.Context(), values)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"settings": merged.Flatten()}
	if len(unknown) > 0 {
		resp["ignored"] = unknown
	}
	c.JSON(http.StatusOK, resp)
}

func roiJSON(lowerX, lowerY, upperX, upperY int) gin.H {
	return gin.H{"lower_x": lowerX, "lower_y": lowerY, "upper_x": upperX, "upper_y": upperY}
}

// handleGetROI returns the search rectangle of the next frame
func (s *Server) handleGetROI(c *gin.Context) {
	if s.deps.Pipeline == nil {
		unavailable(c, "Pipeline")
		return
	}
	rect, ok := s.deps.Pipeline.ROI()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"roi": nil, "full_frame": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roi": roiJSON(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y)})
}

// handleSetROI queues a new search rectangle
func (s *Server) handleSetROI(c *gin.Context) {
	if s.deps.Pipeline == nil {
		unavailable(c, "Pipeline")
		return
	}

	var req struct {
		LowerX *int `json:"lower_x" binding:"required"`
		LowerY *int `json:"lower_y" binding:"required"`
		UpperX *int `json:"upper_x" binding:"required"`
		UpperY *int `json:"upper_y" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	err := s.deps.Pipeline.SetROI(c.Request.Context(), *req.LowerX, *req.LowerY, *req.UpperX, *req.UpperY)
	if err != nil {
		statusCode := http.StatusInternalServerError
		if errors.Is(err, roi.ErrInverted) || errors.Is(err, roi.ErrEmpty) || errors.Is(err, roi.ErrFrameSize) {
			statusCode = http.StatusBadRequest
		}
		c.JSON(statusCode, gin.H{"error": err.Error()})
		return
	}

	rect, _ := s.deps.Pipeline.ROI()
	c.JSON(http.StatusOK, gin.H{"roi": roiJSON(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y)})
}

// handleResetROI returns the search rectangle to the full frame
func (s *Server) handleResetROI(c *gin.Context) {
	if s.deps.Pipeline == nil {
		unavailable(c, "Pipeline")
		return
	}
	s.deps.Pipeline.ResetROI(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "ROI reset to full frame"})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func sessionError(c *gin.Context, err error) {
	if errors.Is(err, state.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// handleListSessions lists the most recent sessions
func (s *Server) handleListSessions(c *gin.Context) {
	if s.deps.State == nil {
		unavailable(c, "State manager")
		return
	}

	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessions, err := s.deps.State.ListSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns one session
func (s *Server) handleGetSession(c *gin.Context) {
	if s.deps.State == nil {
		unavailable(c, "State manager")
		return
	}
	session, err := s.deps.State.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// handleDeleteSession removes a finished session with its detections and
// snapshots
func (s *Server) handleDeleteSession(c *gin.Context) {
	if s.deps.State == nil {
		unavailable(c, "State manager")
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()

	session, err := s.deps.State.GetSession(ctx, id)
	if err != nil {
		sessionError(c, err)
		return
	}
	if session.Status == state.SessionRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "Session is still running"})
		return
	}

	if err := s.deps.State.DeleteSession(ctx, id); err != nil {
		sessionError(c, err)
		return
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.DeleteSession(ctx, id); err != nil {
			s.Logger().Warn("Failed to delete session snapshots", "session_id", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted", "id": id})
}

// handleSessionResults pages through a session's stored results
func (s *Server) handleSessionResults(c *gin.Context) {
	if s.deps.State == nil {
		unavailable(c, "State manager")
		return
	}

	var q state.DetectionQuery
	var err error
	if q.Offset, err = queryInt(c, "offset", 0); err == nil {
		q.Limit, err = queryInt(c, "limit", 1000)
	}
	if err == nil && c.Query("min_confidence") != "" {
		q.MinConfidence, err = strconv.ParseFloat(c.Query("min_confidence"), 64)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.deps.State.GetSession(ctx, id); err != nil {
		sessionError(c, err)
		return
	}

	results, err := s.deps.State.SessionResults(ctx, id, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"results":    results,
		"count":      len(results),
		"offset":     q.Offset,
	})
}

// handleSessionStats returns aggregate numbers for a session
func (s *Server) handleSessionStats(c *gin.Context) {
	if s.deps.State == nil {
		unavailable(c, "State manager")
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.deps.State.GetSession(ctx, id); err != nil {
		sessionError(c, err)
		return
	}

	stats, err := s.deps.State.SessionStats(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func validSessionID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// handleListSnapshots lists a session's snapshots
func (s *Server) handleListSnapshots(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "Snapshot store")
		return
	}
	id := c.Param("id")
	if !validSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	snapshots, err := s.deps.Store.ListSnapshots(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"snapshots":  snapshots,
		"count":      len(snapshots),
	})
}

// handleGetSnapshot serves one snapshot JPEG; ?thumb=true serves the
// thumbnail
func (s *Server) handleGetSnapshot(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "Snapshot store")
		return
	}
	id := c.Param("id")
	frame, err := strconv.Atoi(c.Param("frame"))
	if !validSessionID(id) || err != nil || frame < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid snapshot"})
		return
	}

	s.serveSnapshot(c, s.deps.Store.SnapshotPath(id, frame, c.Query("thumb") == "true"))
}

// handleLatestSnapshot serves the newest snapshot of the current run
func (s *Server) handleLatestSnapshot(c *gin.Context) {
	if s.deps.Pipeline == nil || s.deps.Store == nil {
		unavailable(c, "Snapshot store")
		return
	}

	path := s.deps.Pipeline.LastSnapshot()
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": storage.ErrNoSnapshot.Error()})
		return
	}
	s.serveSnapshot(c, path)
}

func (s *Server) serveSnapshot(c *gin.Context, path string) {
	data, err := s.deps.Store.ReadFile(path)
	if err != nil {
		if errors.Is(err, storage.ErrNoSnapshot) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Snapshot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}
