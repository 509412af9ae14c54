package embedding

import (
	"errors"
	"image"
	"os"
	"testing"

	"github.com/example/face-verify/internal/imagecodec"
)

func testImage() *imagecodec.Image {
	return imagecodec.FromImage(image.NewRGBA(image.Rect(0, 0, 4, 4)))
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	if path == "" {
		t.Fatal("callback was not invoked")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected staging file %s to be removed, stat err: %v", path, err)
	}
}

func TestStagerRemovesFileOnSuccess(t *testing.T) {
	stager := Stager{Dir: t.TempDir()}
	var seen string
	err := stager.WithFile(testImage(), func(path string) error {
		seen = path
		decoded, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := imagecodec.DecodeBytes(decoded); err != nil {
			t.Fatalf("staged file is not a decodable image: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertRemoved(t, seen)
}

func TestStagerRemovesFileOnFailure(t *testing.T) {
	stager := Stager{Dir: t.TempDir()}
	boom := errors.New("model failed")
	var seen string
	err := stager.WithFile(testImage(), func(path string) error {
		seen = path
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	assertRemoved(t, seen)
}

func TestStagerRemovesFileOnPanic(t *testing.T) {
	stager := Stager{Dir: t.TempDir()}
	var seen string
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = stager.WithFile(testImage(), func(path string) error {
			seen = path
			panic("provider crashed")
		})
	}()
	assertRemoved(t, seen)
}

func TestStagerMissingDirectory(t *testing.T) {
	stager := Stager{Dir: "/nonexistent/staging/dir"}
	called := false
	err := stager.WithFile(testImage(), func(string) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected create error without invoking callback, got err=%v called=%v", err, called)
	}
}
