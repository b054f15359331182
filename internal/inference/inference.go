package inference

import (
	"context"
	"errors"
)

// ErrUnavailable marks failures of the inference collaborator that are neither
// cancellations nor deadline expiries.
var ErrUnavailable = errors.New("inference service unavailable")

// Detection is one obstruction object (glasses, mask, hat, hand...) found in the frame.
type Detection struct {
	Label      string
	Confidence float64
}

// FaceFlags are the named face-quality checks reported by the collaborator.
type FaceFlags struct {
	FaceBrightness bool
	Eyebrow        bool
	Horizontal     bool
	Vertical       bool
	MouthClosed    bool
	NoSmile        bool
	EyesOpen       bool
}

// Report contains the outcome returned by the face inspection service.
type Report struct {
	Obstructions []Detection
	Face         FaceFlags
}

// Client exposes the subset of functionality used by the verification flow.
type Client interface {
	Inspect(ctx context.Context, image []byte) (*Report, error)
}
