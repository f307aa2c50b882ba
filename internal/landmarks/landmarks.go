// Package landmarks defines the face landmark model the capture loop drives.
//
// The model is a black box: one frame in, at most one face of normalized landmarks
// out. Adapters also publish the model's region topology so region indices follow
// the installed model revision instead of being hard-coded.
package landmarks

import (
	"context"
	"errors"

	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/types"
)

// ErrNoFace is returned by Detect when the frame holds no face
var ErrNoFace = errors.New("landmarks: no face detected")

// Detector runs the landmark model on single frames
type Detector interface {
	// Detect returns the normalized landmarks of the first face in frame, or ErrNoFace
	Detect(ctx context.Context, frame types.Frame) ([]types.Landmark, error)
	// Topology returns the region connection sets the model declares.
	// A nil or partial topology is valid; missing regions fall back.
	Topology() regions.Topology
	// InputFormat is the pixel layout Detect expects
	InputFormat() types.PixelFormat
	Name() string
	Close() error
}

// Opener acquires a detector. It is called from the loop goroutine during Opening.
type Opener func(ctx context.Context) (Detector, error)

// Options are the model settings common to every backend
type Options struct {
	MaxFaces               int
	RefineLandmarks        bool
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
}

// DefaultOptions are the settings the avatar pipeline has always used
func DefaultOptions() Options {
	return Options{
		MaxFaces:               1,
		RefineLandmarks:        true,
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
	}
}
