// Package onnx runs a face-mesh landmark model in-process with ONNX Runtime.
//
// The model sees the whole frame resized to its input size, so this backend suits
// close-up webcam framing where the face fills most of the image. It has no runtime
// topology, so regions come from the canonical face-mesh connection sets.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Arfidz12/PCV/internal/landmarks"
	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/types"
)

const (
	// InputSize is the square input edge of the face-mesh model
	InputSize = 192
	// NumLandmarks is the face-mesh vertex count; the output holds x, y, z per vertex
	NumLandmarks = 468
)

// Config locates the model and names its tensors
type Config struct {
	ModelPath         string
	SharedLibraryPath string // empty uses the onnxruntime_go default
	InputName         string // default "input_1"
	LandmarksOutput   string // default "conv2d_21", 1x1x1x1404
	ScoreOutput       string // default "conv2d_31", 1x1x1x1 face presence logit
	Options           landmarks.Options
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes ONNX Runtime once per process
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Detector is an ONNX Runtime session with preallocated tensors
type Detector struct {
	cfg      Config
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	points   *ort.Tensor[float32]
	score    *ort.Tensor[float32]
	topology regions.Topology

	mu     sync.Mutex
	closed bool
}

// Opener returns a landmarks.Opener for cfg
func Opener(cfg Config) landmarks.Opener {
	return func(ctx context.Context) (landmarks.Detector, error) {
		return Open(cfg)
	}
}

// Open creates the session
func Open(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.InputName == "" {
		cfg.InputName = "input_1"
	}
	if cfg.LandmarksOutput == "" {
		cfg.LandmarksOutput = "conv2d_21"
	}
	if cfg.ScoreOutput == "" {
		cfg.ScoreOutput = "conv2d_31"
	}

	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnx environment: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, InputSize, InputSize, 3))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	points, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, NumLandmarks*3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating landmarks tensor: %w", err)
	}
	score, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, 1))
	if err != nil {
		input.Destroy()
		points.Destroy()
		return nil, fmt.Errorf("error creating score tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.LandmarksOutput, cfg.ScoreOutput},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{points, score},
		options,
	)
	if err != nil {
		input.Destroy()
		points.Destroy()
		score.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	slog.Info("onnx: landmark model loaded", "model", cfg.ModelPath, "input", InputSize)

	return &Detector{
		cfg:      cfg,
		session:  session,
		input:    input,
		points:   points,
		score:    score,
		topology: regions.FaceMeshTopology(),
	}, nil
}

// Detect runs the model on frame, which must be RGB24
func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.Landmark, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("onnx: detector closed")
	}

	img, err := toImage(frame)
	if err != nil {
		return nil, err
	}
	resized := imaging.Resize(img, InputSize, InputSize, imaging.Linear)
	fillInput(resized, d.input.GetData())

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	if sigmoid(float64(d.score.GetData()[0])) < d.cfg.Options.MinDetectionConfidence {
		return nil, landmarks.ErrNoFace
	}
	return decodeLandmarks(d.points.GetData(), InputSize), nil
}

// Topology returns the canonical face-mesh regions
func (d *Detector) Topology() regions.Topology { return d.topology }

// InputFormat is RGB24
func (d *Detector) InputFormat() types.PixelFormat { return types.FormatRGB24 }

// Name identifies the detector in logs
func (d *Detector) Name() string { return "onnx:" + d.cfg.ModelPath }

// Close destroys the session and tensors. Safe to call twice.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.session.Destroy(); err != nil {
		errs = append(errs, err)
	}
	for _, t := range []*ort.Tensor[float32]{d.input, d.points, d.score} {
		if err := t.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// toImage wraps an RGB24 frame as an image without per-pixel conversion calls
func toImage(frame types.Frame) (*image.NRGBA, error) {
	if frame.Format != types.FormatRGB24 {
		return nil, fmt.Errorf("onnx: want RGB24 frame, got %s", frame.Format)
	}
	if frame.Empty() || len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("onnx: frame %s has %d bytes", frame.Resolution(), len(frame.Data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i, j := 0, 0; i < frame.Width*frame.Height*3; i, j = i+3, j+4 {
		img.Pix[j] = frame.Data[i]
		img.Pix[j+1] = frame.Data[i+1]
		img.Pix[j+2] = frame.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// fillInput writes img as NHWC float32 in [0,1]
func fillInput(img *image.NRGBA, dst []float32) {
	b := img.Bounds()
	k := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[k] = float32(row[x*4]) / 255.0
			dst[k+1] = float32(row[x*4+1]) / 255.0
			dst[k+2] = float32(row[x*4+2]) / 255.0
			k += 3
		}
	}
}

// decodeLandmarks turns model-pixel xyz triples into normalized landmarks
func decodeLandmarks(raw []float32, size int) []types.Landmark {
	n := len(raw) / 3
	out := make([]types.Landmark, n)
	s := float64(size)
	for i := 0; i < n; i++ {
		out[i] = types.Landmark{
			X: float64(raw[i*3]) / s,
			Y: float64(raw[i*3+1]) / s,
			Z: float64(raw[i*3+2]) / s,
		}
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
