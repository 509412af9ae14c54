// Package imagecodec turns transport-encoded image payloads into RGB bitmaps.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	_ "github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// StagingQuality is the JPEG quality used when an image is re-encoded for the
// embedding provider.
const StagingQuality = 95

// ErrDecode is returned for payloads that are not valid base64 or not a
// decodable image.
var ErrDecode = errors.New("decode error")

// Image is a decoded bitmap with three 8-bit channels per pixel in RGB order.
type Image struct {
	Width  int
	Height int
	// Pix holds Width*Height*3 bytes, row-major.
	Pix []uint8
	// Format is the name reported by the image decoder (jpeg, png, ...).
	Format string
}

// Decode parses a base64 payload, optionally carrying a data-URI prefix, into
// an RGB Image. Only the text after the first comma is decoded when a comma
// is present.
func Decode(payload string) (*Image, error) {
	if idx := strings.IndexByte(payload, ','); idx >= 0 {
		payload = payload[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrDecode, err)
	}
	return DecodeBytes(data)
}

// DecodeBytes interprets raw encoded image bytes.
func DecodeBytes(data []byte) (*Image, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	img := FromImage(src)
	img.Format = format
	return img, nil
}

// FromImage converts any color model to packed RGB. Alpha is dropped, not
// composited, so translucent pixels keep their stored color.
func FromImage(src image.Image) *Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, 0, w*h*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			pix = append(pix, c.R, c.G, c.B)
		}
	}
	return &Image{Width: w, Height: h, Pix: pix}
}

// RGBA returns a standard library view of the bitmap with opaque alpha.
func (img *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i+2 < len(img.Pix); i, j = i+3, j+4 {
		out.Pix[j] = img.Pix[i]
		out.Pix[j+1] = img.Pix[i+1]
		out.Pix[j+2] = img.Pix[i+2]
		out.Pix[j+3] = 0xff
	}
	return out
}

// EncodeJPEG writes the bitmap as a JPEG at StagingQuality.
func (img *Image) EncodeJPEG(w io.Writer) error {
	return jpeg.Encode(w, img.RGBA(), &jpeg.Options{Quality: StagingQuality})
}

// JPEG is EncodeJPEG into a fresh buffer.
func (img *Image) JPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := img.EncodeJPEG(&buf); err != nil {
		return nil, fmt.Errorf("encode staging jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
