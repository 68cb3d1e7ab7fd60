package video

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

// Intrinsics holds pinhole camera parameters used to remove lens distortion
type Intrinsics struct {
	CameraMatrix [9]float64 // Row-major 3x3 (fx 0 cx; 0 fy cy; 0 0 1)
	DistCoeffs   []float64  // k1 k2 p1 p2 [k3 ...]
}

// Validate checks the matrix shape
func (in Intrinsics) Validate() error {
	if in.CameraMatrix[0] <= 0 || in.CameraMatrix[4] <= 0 {
		return fmt.Errorf("camera matrix focal lengths must be positive")
	}
	if in.CameraMatrix[8] != 1 {
		return fmt.Errorf("camera matrix must have 1 at (2,2), got %v", in.CameraMatrix[8])
	}
	switch len(in.DistCoeffs) {
	case 4, 5, 8, 12, 14:
	default:
		return fmt.Errorf("distortion coefficients must have 4, 5, 8, 12 or 14 elements, got %d", len(in.DistCoeffs))
	}
	return nil
}

// Undistorter wraps a Source and removes lens distortion from each frame
type Undistorter struct {
	src        Source
	camera     gocv.Mat
	distortion gocv.Mat
	out        gocv.Mat
}

// NewUndistorter creates a Source that remaps frames of src with in
func NewUndistorter(src Source, in Intrinsics) (*Undistorter, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intrinsics: %w", err)
	}

	camera := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for i, v := range in.CameraMatrix {
		camera.SetDoubleAt(i/3, i%3, v)
	}
	distortion := gocv.NewMatWithSize(1, len(in.DistCoeffs), gocv.MatTypeCV64F)
	for i, v := range in.DistCoeffs {
		distortion.SetDoubleAt(0, i, v)
	}

	return &Undistorter{
		src:        src,
		camera:     camera,
		distortion: distortion,
		out:        gocv.NewMat(),
	}, nil
}

// Next returns the next frame with distortion removed
func (u *Undistorter) Next(ctx context.Context) (Frame, error) {
	frame, err := u.src.Next(ctx)
	if err != nil {
		return frame, err
	}
	gocv.Undistort(frame.Mat, &u.out, u.camera, u.distortion, u.camera)
	frame.Mat = u.out
	return frame, nil
}

// Size returns the size of the wrapped source
func (u *Undistorter) Size() (int, int) {
	return u.src.Size()
}

// Close releases the remap buffers and the wrapped source
func (u *Undistorter) Close() error {
	u.camera.Close()
	u.distortion.Close()
	u.out.Close()
	return u.src.Close()
}
