package convert

import (
	"fmt"
	"image"
	"image/color"
)

// RGB565 packs c into the 16-bit 5:6:5 format used by the panel. Alpha is
// ignored.
func RGB565(c color.RGBA) uint16 {
	return uint16(c.R&0xF8)<<8 | uint16(c.G&0xFC)<<3 | uint16(c.B)>>3
}

// FromRGB565 expands v back to 8 bits per channel. The low bits are filled
// by replicating the high bits so that white stays 0xFF.
func FromRGB565(v uint16) color.RGBA {
	r := byte(v>>11) & 0x1F
	g := byte(v>>5) & 0x3F
	b := byte(v) & 0x1F
	return color.RGBA{
		R: r<<3 | r>>2,
		G: g<<2 | g>>4,
		B: b<<3 | b>>2,
		A: 0xFF,
	}
}

// ToNRGBA converts a row-major RGB565 framebuffer into an image, for
// previews and snapshots.
//
// Layout:
//
//   - pix[y*w + x] is the pixel at (x, y)
//   - len(pix) must be exactly w*h
func ToNRGBA(pix []uint16, w, h int) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("convert: invalid size %dx%d", w, h)
	}
	if len(pix) != w*h {
		return nil, fmt.Errorf("convert: expected %d pixels, got %d", w*h, len(pix))
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	// Write Pix directly instead of going through Set().
	for y := 0; y < h; y++ {
		rowOff := y * img.Stride
		for x := 0; x < w; x++ {
			c := FromRGB565(pix[y*w+x])
			i := rowOff + x*4
			img.Pix[i+0] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = 0xFF
		}
	}
	return img, nil
}
