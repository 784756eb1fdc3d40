package utils

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// FrameBuffer holds the most recent raw frame of a live video source.
type FrameBuffer struct {
	mu     sync.RWMutex
	data   []byte
	at     time.Time
	maxAge time.Duration
	now    func() time.Time
}

func NewFrameBuffer(maxAge time.Duration) *FrameBuffer {
	return &FrameBuffer{maxAge: maxAge, now: time.Now}
}

// Put replaces the latest frame. The buffer keeps its own copy.
func (b *FrameBuffer) Put(frame []byte) {
	if len(frame) == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	b.mu.Lock()
	b.data = cp
	b.at = b.now()
	b.mu.Unlock()
}

// Latest returns the newest frame, or false when none is available or it is stale.
func (b *FrameBuffer) Latest() ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return nil, false
	}
	if b.maxAge > 0 && b.now().Sub(b.at) > b.maxAge {
		return nil, false
	}
	return b.data, true
}

// FrameCapture turns the latest frame of a FrameBuffer into a scaled,
// base64 JPEG ready for transport.
type FrameCapture struct {
	source  *FrameBuffer
	scale   float64
	quality int

	mu     sync.Mutex
	canvas *image.RGBA
	buf    bytes.Buffer
}

func NewFrameCapture(source *FrameBuffer, scale float64, quality int) *FrameCapture {
	if scale <= 0 || scale > 1 {
		scale = 0.5
	}
	if quality < 1 || quality > 100 {
		quality = 70
	}
	return &FrameCapture{source: source, scale: scale, quality: quality}
}

// Capture returns ("", false) when there is no decodable frame.
func (c *FrameCapture) Capture() (string, bool) {
	raw, ok := c.source.Latest()
	if !ok {
		return "", false
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		zap.L().Debug("Discarding undecodable frame", zap.Error(err), zap.Int("size", len(raw)))
		return "", false
	}

	bounds := src.Bounds()
	w := int(float64(bounds.Dx()) * c.scale)
	h := int(float64(bounds.Dy()) * c.scale)
	if w < 1 || h < 1 {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The canvas is reused while the frame size stays the same.
	if c.canvas == nil || c.canvas.Bounds().Dx() != w || c.canvas.Bounds().Dy() != h {
		c.canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.ApproxBiLinear.Scale(c.canvas, c.canvas.Bounds(), src, bounds, draw.Src, nil)

	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, c.canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		zap.L().Error("Failed to encode frame", zap.Error(err))
		return "", false
	}

	return base64.StdEncoding.EncodeToString(c.buf.Bytes()), true
}
