package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"
)

const (
	defaultFrameWidth   = 640
	defaultFrameHeight  = 480
	defaultFrameQuality = 50
)

// FrameEncoder stretches camera frames to a fixed size and re-encodes them
// as JPEG, the way a canvas drawImage call fills its target.
type FrameEncoder struct {
	width   int
	height  int
	quality int

	blackOnce sync.Once
	black     []byte
	blackErr  error
}

func NewFrameEncoder(width, height, quality int) *FrameEncoder {
	if width <= 0 {
		width = defaultFrameWidth
	}
	if height <= 0 {
		height = defaultFrameHeight
	}
	if quality <= 0 || quality > 100 {
		quality = defaultFrameQuality
	}
	return &FrameEncoder{width: width, height: height, quality: quality}
}

func (e *FrameEncoder) Size() (int, int) {
	return e.width, e.height
}

// Encode decodes a JPEG frame, scales it and encodes the result.
func (e *FrameEncoder) Encode(frame []byte) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, e.width, e.height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return e.encode(dst)
}

// Black returns an all-black frame, used while video is disabled.
func (e *FrameEncoder) Black() ([]byte, error) {
	e.blackOnce.Do(func() {
		dst := image.NewRGBA(image.Rect(0, 0, e.width, e.height))
		draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
		e.black, e.blackErr = e.encode(dst)
	})
	if e.blackErr != nil {
		return nil, e.blackErr
	}
	out := make([]byte, len(e.black))
	copy(out, e.black)
	return out, nil
}

func (e *FrameEncoder) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
