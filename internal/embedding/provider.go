// Package embedding defines the contract the verification flow requires from
// a face detection and embedding model, and the backends that satisfy it.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/face-verify/internal/imagecodec"
)

// Code classifies a failed extraction.
type Code string

const (
	CodeNoFaceFound     Code = "NO_FACE_FOUND"
	CodeMultipleFaces   Code = "MULTIPLE_FACES"
	CodeProcessingError Code = "PROCESSING_ERROR"
)

const (
	msgNoFace        = "no face found in the image"
	msgNoClearFace   = "no clear face found in the image; make sure the lighting is good and the face is visible"
	msgMultipleFaces = "more than one face found; make sure only one face is in the image"

	undetectedMarker = "Face could not be detected"
)

// FaceLocation is the bounding box of the detected face in source pixels.
type FaceLocation struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Face is a successful extraction: exactly one face and its embedding.
type Face struct {
	Embedding []float64    `json:"embedding"`
	Location  FaceLocation `json:"face_location"`
}

// ExtractionError is a failure reported by the model for a specific image.
// It is terminal for that image; callers must not retry.
type ExtractionError struct {
	Code    Code
	Message string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Provider extracts the embedding of the single face in an image. Failures
// the model can classify are returned as *ExtractionError; any other error is
// an infrastructure fault.
type Provider interface {
	Extract(ctx context.Context, img *imagecodec.Image) (*Face, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, img *imagecodec.Image) (*Face, error)

// Extract calls f.
func (f ProviderFunc) Extract(ctx context.Context, img *imagecodec.Image) (*Face, error) {
	return f(ctx, img)
}

// SelectSingle enforces the single-subject rule on a model's detections.
func SelectSingle(faces []Face) (*Face, error) {
	switch len(faces) {
	case 0:
		return nil, &ExtractionError{Code: CodeNoFaceFound, Message: msgNoFace}
	case 1:
		face := faces[0]
		return &face, nil
	default:
		return nil, &ExtractionError{Code: CodeMultipleFaces, Message: msgMultipleFaces}
	}
}

// Classify turns a free-form model failure into an ExtractionError. Detector
// rejections become NO_FACE_FOUND; everything else is a PROCESSING_ERROR.
func Classify(detail string) *ExtractionError {
	if strings.Contains(detail, undetectedMarker) {
		return &ExtractionError{Code: CodeNoFaceFound, Message: msgNoClearFace}
	}
	return &ExtractionError{Code: CodeProcessingError, Message: "image processing failed: " + detail}
}
