package frame

import (
	"image"
	"sync"
)

// Canvas 是帧管线的绘制目标，像素统一为 RGBA（每像素 4 字节，行距 = 宽 × 4）。
type Canvas interface {
	Size() (w, h int)
	Resize(w, h int)
	// Draw 把 RGBA 像素整体写入画布；调用方保证 len(pix) == w*h*4。
	Draw(pix []byte)
}

// RGBACanvas 是基于 image.RGBA 的画布实现，可被多个协程读写。
type RGBACanvas struct {
	mu  sync.RWMutex
	img *image.RGBA
}

func NewRGBACanvas() *RGBACanvas {
	return &RGBACanvas{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

func (c *RGBACanvas) Size() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

// Resize 尺寸不变时保留现有像素，否则重建底图。
func (c *RGBACanvas) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

func (c *RGBACanvas) Draw(pix []byte) {
	c.mu.Lock()
	copy(c.img.Pix, pix)
	c.mu.Unlock()
}

// Snapshot 返回当前画面的拷贝。
func (c *RGBACanvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}
