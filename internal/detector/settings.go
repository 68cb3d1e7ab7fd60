package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Range is an inclusive [Min, Max] interval
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies in the range
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Settings are the tuning parameters of the 2D pupil detector.
// Keys keep the spelling of the pupil-labs settings dictionary so existing
// settings files load unchanged.
type Settings struct {
	CoarseDetection            bool    `json:"coarse_detection" yaml:"coarse_detection"`
	CoarseFilterMin            int     `json:"coarse_filter_min" yaml:"coarse_filter_min"`
	CoarseFilterMax            int     `json:"coarse_filter_max" yaml:"coarse_filter_max"`
	IntensityRange             int     `json:"intensity_range" yaml:"intensity_range"`
	BlurSize                   int     `json:"blur_size" yaml:"blur_size"`
	CannyThreshold             float64 `json:"canny_treshold" yaml:"canny_treshold"`
	CannyRatio                 float64 `json:"canny_ration" yaml:"canny_ration"`
	CannyAperture              int     `json:"canny_aperture" yaml:"canny_aperture"`
	PupilSizeMin               float64 `json:"pupil_size_min" yaml:"pupil_size_min"`
	PupilSizeMax               float64 `json:"pupil_size_max" yaml:"pupil_size_max"`
	StrongPerimeterRatioRange  Range   `json:"strong_perimeter_ratio_range" yaml:"strong_perimeter_ratio_range"`
	StrongAreaRatioRange       Range   `json:"strong_area_ratio_range" yaml:"strong_area_ratio_range"`
	FinalPerimeterRatioRange   Range   `json:"final_perimeter_ratio_range" yaml:"final_perimeter_ratio_range"`
	ContourSizeMin             int     `json:"contour_size_min" yaml:"contour_size_min"`
	EllipseRoundnessRatio      float64 `json:"ellipse_roundness_ratio" yaml:"ellipse_roundness_ratio"`
	InitialEllipseFitThreshold float64 `json:"initial_ellipse_fit_treshhold" yaml:"initial_ellipse_fit_treshhold"`
	EllipseTrueSupportMinDist  float64 `json:"ellipse_true_support_min_dist" yaml:"ellipse_true_support_min_dist"`
	SupportPixelRatioExponent  float64 `json:"support_pixel_ratio_exponent" yaml:"support_pixel_ratio_exponent"`
}

// DefaultSettings returns the stock 2D detector settings
func DefaultSettings() Settings {
	return Settings{
		CoarseDetection:            true,
		CoarseFilterMin:            128,
		CoarseFilterMax:            280,
		IntensityRange:             23,
		BlurSize:                   5,
		CannyThreshold:             160,
		CannyRatio:                 2,
		CannyAperture:              5,
		PupilSizeMin:               10,
		PupilSizeMax:               100,
		StrongPerimeterRatioRange:  Range{Min: 0.8, Max: 1.1},
		StrongAreaRatioRange:       Range{Min: 0.6, Max: 1.1},
		FinalPerimeterRatioRange:   Range{Min: 0.6, Max: 1.2},
		ContourSizeMin:             5,
		EllipseRoundnessRatio:      0.1,
		InitialEllipseFitThreshold: 1.8,
		EllipseTrueSupportMinDist:  2.5,
		SupportPixelRatioExponent:  2.0,
	}
}

// Validate checks ranges and min <= max pairs
func (s Settings) Validate() error {
	var errors []string

	// NaN fails every ordered comparison below, so it is rejected up front
	for key, v := range s.Flatten() {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			errors = append(errors, fmt.Sprintf("%s must be a finite number, got: %v", key, f))
		}
	}

	if s.CoarseFilterMin <= 0 {
		errors = append(errors, fmt.Sprintf("coarse_filter_min must be > 0, got: %d", s.CoarseFilterMin))
	}
	if s.CoarseFilterMin > s.CoarseFilterMax {
		errors = append(errors, fmt.Sprintf("coarse_filter_min (%d) cannot be greater than coarse_filter_max (%d)", s.CoarseFilterMin, s.CoarseFilterMax))
	}
	if s.IntensityRange < 0 || s.IntensityRange > 255 {
		errors = append(errors, fmt.Sprintf("intensity_range must be between 0 and 255, got: %d", s.IntensityRange))
	}
	if s.BlurSize < 1 || s.BlurSize%2 == 0 {
		errors = append(errors, fmt.Sprintf("blur_size must be an odd number >= 1, got: %d", s.BlurSize))
	}
	if s.CannyThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("canny_treshold must be > 0, got: %.2f", s.CannyThreshold))
	}
	if s.CannyRatio < 1 {
		errors = append(errors, fmt.Sprintf("canny_ration must be >= 1, got: %.2f", s.CannyRatio))
	}
	if _, ok := sobelGain[s.CannyAperture]; !ok {
		errors = append(errors, fmt.Sprintf("canny_aperture must be 3, 5 or 7, got: %d", s.CannyAperture))
	}
	if s.PupilSizeMin <= 0 {
		errors = append(errors, fmt.Sprintf("pupil_size_min must be > 0, got: %.2f", s.PupilSizeMin))
	}
	if s.PupilSizeMin > s.PupilSizeMax {
		errors = append(errors, fmt.Sprintf("pupil_size_min (%.2f) cannot be greater than pupil_size_max (%.2f)", s.PupilSizeMin, s.PupilSizeMax))
	}
	for name, r := range map[string]Range{
		"strong_perimeter_ratio_range": s.StrongPerimeterRatioRange,
		"strong_area_ratio_range":      s.StrongAreaRatioRange,
		"final_perimeter_ratio_range":  s.FinalPerimeterRatioRange,
	} {
		if r.Min <= 0 {
			errors = append(errors, fmt.Sprintf("%s_min must be > 0, got: %.2f", name, r.Min))
		}
		if r.Min > r.Max {
			errors = append(errors, fmt.Sprintf("%s_min (%.2f) cannot be greater than %s_max (%.2f)", name, r.Min, name, r.Max))
		}
	}
	if s.ContourSizeMin < 5 {
		errors = append(errors, fmt.Sprintf("contour_size_min must be >= 5, got: %d", s.ContourSizeMin))
	}
	if s.EllipseRoundnessRatio <= 0 || s.EllipseRoundnessRatio > 1 {
		errors = append(errors, fmt.Sprintf("ellipse_roundness_ratio must be in (0, 1], got: %.2f", s.EllipseRoundnessRatio))
	}
	if s.InitialEllipseFitThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("initial_ellipse_fit_treshhold must be > 0, got: %.2f", s.InitialEllipseFitThreshold))
	}
	if s.EllipseTrueSupportMinDist <= 0 {
		errors = append(errors, fmt.Sprintf("ellipse_true_support_min_dist must be > 0, got: %.2f", s.EllipseTrueSupportMinDist))
	}
	if s.SupportPixelRatioExponent <= 0 {
		errors = append(errors, fmt.Sprintf("support_pixel_ratio_exponent must be > 0, got: %.2f", s.SupportPixelRatioExponent))
	}

	if len(errors) > 0 {
		sort.Strings(errors)
		return fmt.Errorf("invalid detector settings:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// Merge applies a flat settings mapping on top of s and returns the result.
// Keys use the flat pupil-labs names, e.g. "strong_area_ratio_range_min".
// Unknown keys are skipped and returned sorted so the caller can report them.
// s is left untouched when a known key has a value of the wrong type.
func (s Settings) Merge(values map[string]interface{}) (Settings, []string, error) {
	out := s
	var unknown []string

	for key, raw := range values {
		set, ok := settingSetters[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		if err := set(&out, raw); err != nil {
			return s, nil, fmt.Errorf("setting %q: %w", key, err)
		}
	}

	sort.Strings(unknown)
	return out, unknown, nil
}

// ParseSettings builds validated settings from a flat mapping applied over
// the defaults. Unknown keys are returned like Merge does.
func ParseSettings(values map[string]interface{}) (Settings, []string, error) {
	s, unknown, err := DefaultSettings().Merge(values)
	if err != nil {
		return Settings{}, nil, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, unknown, err
	}
	return s, unknown, nil
}

// Flatten returns the settings as the flat mapping accepted by Merge
func (s Settings) Flatten() map[string]interface{} {
	return map[string]interface{}{
		"coarse_detection":                 s.CoarseDetection,
		"coarse_filter_min":                s.CoarseFilterMin,
		"coarse_filter_max":                s.CoarseFilterMax,
		"intensity_range":                  s.IntensityRange,
		"blur_size":                        s.BlurSize,
		"canny_treshold":                   s.CannyThreshold,
		"canny_ration":                     s.CannyRatio,
		"canny_aperture":                   s.CannyAperture,
		"pupil_size_min":                   s.PupilSizeMin,
		"pupil_size_max":                   s.PupilSizeMax,
		"strong_perimeter_ratio_range_min": s.StrongPerimeterRatioRange.Min,
		"strong_perimeter_ratio_range_max": s.StrongPerimeterRatioRange.Max,
		"strong_area_ratio_range_min":      s.StrongAreaRatioRange.Min,
		"strong_area_ratio_range_max":      s.StrongAreaRatioRange.Max,
		"final_perimeter_ratio_range_min":  s.FinalPerimeterRatioRange.Min,
		"final_perimeter_ratio_range_max":  s.FinalPerimeterRatioRange.Max,
		"contour_size_min":                 s.ContourSizeMin,
		"ellipse_roundness_ratio":          s.EllipseRoundnessRatio,
		"initial_ellipse_fit_treshhold":    s.InitialEllipseFitThreshold,
		"ellipse_true_support_min_dist":    s.EllipseTrueSupportMinDist,
		"support_pixel_ratio_exponent":     s.SupportPixelRatioExponent,
	}
}

var settingSetters = map[string]func(*Settings, interface{}) error{
	"coarse_detection":                 boolSetter(func(s *Settings) *bool { return &s.CoarseDetection }),
	"coarse_filter_min":                intSetter(func(s *Settings) *int { return &s.CoarseFilterMin }),
	"coarse_filter_max":                intSetter(func(s *Settings) *int { return &s.CoarseFilterMax }),
	"intensity_range":                  intSetter(func(s *Settings) *int { return &s.IntensityRange }),
	"blur_size":                        intSetter(func(s *Settings) *int { return &s.BlurSize }),
	"canny_treshold":                   floatSetter(func(s *Settings) *float64 { return &s.CannyThreshold }),
	"canny_ration":                     floatSetter(func(s *Settings) *float64 { return &s.CannyRatio }),
	"canny_aperture":                   intSetter(func(s *Settings) *int { return &s.CannyAperture }),
	"pupil_size_min":                   floatSetter(func(s *Settings) *float64 { return &s.PupilSizeMin }),
	"pupil_size_max":                   floatSetter(func(s *Settings) *float64 { return &s.PupilSizeMax }),
	"strong_perimeter_ratio_range_min": floatSetter(func(s *Settings) *float64 { return &s.StrongPerimeterRatioRange.Min }),
	"strong_perimeter_ratio_range_max": floatSetter(func(s *Settings) *float64 { return &s.StrongPerimeterRatioRange.Max }),
	"strong_area_ratio_range_min":      floatSetter(func(s *Settings) *float64 { return &s.StrongAreaRatioRange.Min }),
	"strong_area_ratio_range_max":      floatSetter(func(s *Settings) *float64 { return &s.StrongAreaRatioRange.Max }),
	"final_perimeter_ratio_range_min":  floatSetter(func(s *Settings) *float64 { return &s.FinalPerimeterRatioRange.Min }),
	"final_perimeter_ratio_range_max":  floatSetter(func(s *Settings) *float64 { return &s.FinalPerimeterRatioRange.Max }),
	"contour_size_min":                 intSetter(func(s *Settings) *int { return &s.ContourSizeMin }),
	"ellipse_roundness_ratio":          floatSetter(func(s *Settings) *float64 { return &s.EllipseRoundnessRatio }),
	"initial_ellipse_fit_treshhold":    floatSetter(func(s *Settings) *float64 { return &s.InitialEllipseFitThreshold }),
	"ellipse_true_support_min_dist":    floatSetter(func(s *Settings) *float64 { return &s.EllipseTrueSupportMinDist }),
	"support_pixel_ratio_exponent":     floatSetter(func(s *Settings) *float64 { return &s.SupportPixelRatioExponent }),
}

func boolSetter(field func(*Settings) *bool) func(*Settings, interface{}) error {
	return func(s *Settings, v interface{}) error {
		switch b := v.(type) {
		case bool:
			*field(s) = b
		case string:
			switch strings.ToLower(b) {
			case "true", "1", "yes", "on":
				*field(s) = true
			case "false", "0", "no", "off":
				*field(s) = false
			default:
				return fmt.Errorf("not a boolean: %q", b)
			}
		default:
			f, ok := toFloat(v)
			if !ok {
				return fmt.Errorf("not a boolean: %v (%T)", v, v)
			}
			*field(s) = f != 0
		}
		return nil
	}
}

func intSetter(field func(*Settings) *int) func(*Settings, interface{}) error {
	return func(s *Settings, v interface{}) error {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("not a number: %v (%T)", v, v)
		}
		if f != float64(int(f)) {
			return fmt.Errorf("not an integer: %v", f)
		}
		*field(s) = int(f)
		return nil
	}
}

func floatSetter(field func(*Settings) *float64) func(*Settings, interface{}) error {
	return func(s *Settings, v interface{}) error {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("not a number: %v (%T)", v, v)
		}
		*field(s) = f
		return nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
