package ui

import (
	"image"
	"image/color"
	"iter"
	"sync"

	"tinygo.org/x/drivers"

	"blinkpanel/internal/convert"
)

// Canvas is an RGB565 framebuffer implementing drivers.Displayer. It tracks
// the bounding box of pixels touched since the last TakeDirty.
//
// Only the refresh task draws. Snapshot may be called from any goroutine.
type Canvas struct {
	mu    sync.Mutex
	w, h  int
	pix   []uint16
	dirty image.Rectangle
}

// NewCanvas returns a black canvas of w x h pixels.
func NewCanvas(w, h int) *Canvas {
	return &Canvas{w: w, h: h, pix: make([]uint16, w*h)}
}

var _ drivers.Displayer = (*Canvas)(nil)

// Size implements drivers.Displayer.
func (c *Canvas) Size() (x, y int16) { return int16(c.w), int16(c.h) }

// Bounds returns the canvas rectangle.
func (c *Canvas) Bounds() image.Rectangle { return image.Rect(0, 0, c.w, c.h) }

// SetPixel implements drivers.Displayer. Off-canvas pixels are dropped.
func (c *Canvas) SetPixel(x, y int16, col color.RGBA) {
	c.FillRect(image.Rect(int(x), int(y), int(x)+1, int(y)+1), col)
}

// Display implements drivers.Displayer. Pixels reach the panel through the
// refresh task, so there is nothing to do here.
func (c *Canvas) Display() error { return nil }

// FillRect paints r, clipped to the canvas.
func (c *Canvas) FillRect(r image.Rectangle, col color.RGBA) {
	r = r.Intersect(c.Bounds())
	if r.Empty() {
		return
	}
	v := convert.RGB565(col)
	c.mu.Lock()
	defer c.mu.Unlock()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := c.pix[y*c.w : (y+1)*c.w]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = v
		}
	}
	c.dirty = c.dirty.Union(r)
}

// FillCircle paints a disc of the given diameter whose bounding box starts at
// topLeft.
func (c *Canvas) FillCircle(topLeft image.Point, diameter int, col color.RGBA) {
	// Work in doubled coordinates so even diameters stay symmetric.
	d2 := diameter * diameter
	for dy := 0; dy < diameter; dy++ {
		py := 2*dy + 1 - diameter
		x0 := -1
		for dx := 0; dx < diameter; dx++ {
			px := 2*dx + 1 - diameter
			if px*px+py*py <= d2 {
				x0 = dx
				break
			}
		}
		if x0 < 0 {
			continue
		}
		y := topLeft.Y + dy
		c.FillRect(image.Rect(topLeft.X+x0, y, topLeft.X+diameter-x0, y+1), col)
	}
}

// TakeDirty returns and clears the dirty rectangle.
func (c *Canvas) TakeDirty() image.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.dirty
	c.dirty = image.Rectangle{}
	return r
}

// MarkDirty adds r to the dirty rectangle, e.g. after a failed flush.
func (c *Canvas) MarkDirty(r image.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = c.dirty.Union(r.Intersect(c.Bounds()))
}

// Pixels yields the pixels of r row by row. r must lie inside the canvas.
func (c *Canvas) Pixels(r image.Rectangle) iter.Seq[uint16] {
	return func(yield func(uint16) bool) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := c.pix[y*c.w : (y+1)*c.w]
			for x := r.Min.X; x < r.Max.X; x++ {
				if !yield(row[x]) {
					return
				}
			}
		}
	}
}

// At returns the RGB565 value at (x, y).
func (c *Canvas) At(x, y int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pix[y*c.w+x]
}

// Snapshot renders the canvas into an image.
func (c *Canvas) Snapshot() *image.NRGBA {
	c.mu.Lock()
	pix := make([]uint16, len(c.pix))
	copy(pix, c.pix)
	c.mu.Unlock()

	img, err := convert.ToNRGBA(pix, c.w, c.h)
	if err != nil {
		// Size is fixed at construction and always matches.
		panic(err)
	}
	return img
}
