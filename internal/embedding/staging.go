package embedding

import (
	"fmt"
	"os"

	"github.com/example/face-verify/internal/imagecodec"
)

// Stager hands images to file-based backends through a temporary JPEG that
// lives only for the duration of one call.
type Stager struct {
	// Dir is where staging files are created; empty means os.TempDir().
	Dir string
}

// WithFile writes img to a fresh staging file, invokes fn with its path and
// removes the file afterwards, including when fn fails or panics.
func (s Stager) WithFile(img *imagecodec.Image, fn func(path string) error) error {
	file, err := os.CreateTemp(s.Dir, "face-*.jpg")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)

	if err := img.EncodeJPEG(file); err != nil {
		file.Close()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	return fn(path)
}
