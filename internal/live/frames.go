package live

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Outbound video frame geometry.
const (
	FrameWidth   = 320
	FrameHeight  = 240
	FrameQuality = 60
)

// FrameEncoder draws frames onto a fixed canvas and JPEG encodes them.
type FrameEncoder struct {
	Width   int
	Height  int
	Quality int
}

// NewFrameEncoder returns an encoder with the default 320x240 canvas at quality 60.
func NewFrameEncoder() *FrameEncoder {
	return &FrameEncoder{Width: FrameWidth, Height: FrameHeight, Quality: FrameQuality}
}

// Canvas scales img to fit the canvas and centres it on a black background.
func (e *FrameEncoder) Canvas(img image.Image) (*image.NRGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty frame")
	}
	fitted := imaging.Fit(img, e.Width, e.Height, imaging.Linear)
	canvas := imaging.New(e.Width, e.Height, color.Black)
	return imaging.PasteCenter(canvas, fitted), nil
}

// Encode returns the base64 JPEG of img on the canvas.
func (e *FrameEncoder) Encode(img image.Image) (string, error) {
	canvas, err := e.Canvas(img)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(e.Quality)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
