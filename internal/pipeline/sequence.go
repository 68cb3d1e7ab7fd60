package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/skulumani/pupil/internal/detector"
)

// Sequence is the ordered, append-only list of results of one run. It is
// safe to read while the loop appends.
type Sequence struct {
	mu      sync.RWMutex
	results []detector.Result
}

// NewSequence creates an empty sequence
func NewSequence() *Sequence {
	return &Sequence{}
}

// Append adds r at the end
func (s *Sequence) Append(r detector.Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// Len returns the number of results
func (s *Sequence) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// At returns the i-th result
func (s *Sequence) At(i int) detector.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[i]
}

// Last returns the most recent result
func (s *Sequence) Last() (detector.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.results) == 0 {
		return detector.Result{}, false
	}
	return s.results[len(s.results)-1], true
}

// Results returns a copy of all results
func (s *Sequence) Results() []detector.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]detector.Result, len(s.results))
	copy(out, s.results)
	return out
}

func (s *Sequence) collect(field func(detector.Result) float64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.results))
	for i, r := range s.results {
		out[i] = field(r)
	}
	return out
}

// Confidences returns the confidence of every frame
func (s *Sequence) Confidences() []float64 {
	return s.collect(func(r detector.Result) float64 { return r.Confidence })
}

// Diameters returns the pupil diameter of every frame
func (s *Sequence) Diameters() []float64 {
	return s.collect(func(r detector.Result) float64 { return r.Diameter })
}

// Timestamps returns the stream time of every frame in seconds
func (s *Sequence) Timestamps() []float64 {
	return s.collect(func(r detector.Result) float64 { return r.Timestamp })
}

// Centers returns the ellipse center of every frame
func (s *Sequence) Centers() []detector.Point2f {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]detector.Point2f, len(s.results))
	for i, r := range s.results {
		out[i] = r.Ellipse.Center
	}
	return out
}

// NormPositions returns the normalized pupil position of every frame
func (s *Sequence) NormPositions() []detector.Point2f {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]detector.Point2f, len(s.results))
	for i, r := range s.results {
		out[i] = r.NormPos
	}
	return out
}

// Failures returns the number of frames whose detection failed
func (s *Sequence) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.results {
		if r.Error != "" {
			n++
		}
	}
	return n
}

// WriteJSON writes the results as a JSON array
func (s *Sequence) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Results())
}

var csvHeader = []string{
	"id", "timestamp", "center_x", "center_y", "axis_major", "axis_minor", "angle",
	"diameter", "confidence", "norm_pos_x", "norm_pos_y", "method", "error",
}

// WriteCSV writes one row per result with a header row
func (s *Sequence) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range s.Results() {
		row := []string{
			strconv.Itoa(r.FrameIndex),
			formatFloat(r.Timestamp),
			formatFloat(r.Ellipse.Center.X),
			formatFloat(r.Ellipse.Center.Y),
			formatFloat(r.Ellipse.Axes.X),
			formatFloat(r.Ellipse.Axes.Y),
			formatFloat(r.Ellipse.Angle),
			formatFloat(r.Diameter),
			formatFloat(r.Confidence),
			formatFloat(r.NormPos.X),
			formatFloat(r.NormPos.Y),
			r.Method,
			r.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the sequence to path. format is "json" or "csv"; empty picks
// it from the file extension.
func (s *Sequence) Save(path, format string) error {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	var write func(io.Writer) error
	switch format {
	case "json":
		write = s.WriteJSON
	case "csv":
		write = s.WriteCSV
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s export: %w", format, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
