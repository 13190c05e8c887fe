package ui

import (
	"fmt"
	"image"
	"image/color"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	colorBG       = color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
	colorFG       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	colorDim      = color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	colorOn       = color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	colorOff      = color.RGBA{R: 0xa9, G: 0xa9, B: 0xa9, A: 0xff}
	colorTouchDot = color.RGBA{R: 0x00, G: 0x00, B: 0xff, A: 0xff}
)

const title = "Pixel Blinky"

// Layout in a 320x240 landscape frame. Smaller panels clip.
var (
	titleAt      = image.Pt(60, 0)
	blinkCentre  = image.Pt(120, 120)
	buttonCentre = image.Pt(180, 120)
)

const (
	indicatorSize = 30
	lineX         = 14
	touchLineY    = 170
	listenLineY   = 186
	clientLineY   = 202
	batteryLineY  = 218
	touchDotSize  = 3
)

// Renderer draws State onto a Canvas, repainting only what changed.
type Renderer struct {
	c          *Canvas
	font       tinyfont.Fonter
	lineHeight int
	baseline   int
}

// NewRenderer returns a Renderer drawing into c.
func NewRenderer(c *Canvas) *Renderer {
	font := &proggy.TinySZ8pt7b
	return &Renderer{
		c:          c,
		font:       font,
		lineHeight: int(font.YAdvance),
		baseline:   int(font.YAdvance) - 3,
	}
}

// Render brings the canvas from prev to cur. A nil prev, or an epoch change,
// repaints everything.
func (r *Renderer) Render(prev *State, cur State) {
	full := prev == nil || prev.Epoch != cur.Epoch
	if full {
		r.background()
	}
	if full || prev.Blink != cur.Blink {
		r.indicator(blinkCentre, cur.Blink)
	}
	if full || prev.Button != cur.Button {
		r.indicator(buttonCentre, cur.Button)
	}
	if full || prev.Touch != cur.Touch {
		if !full && prev.Touch.Contact {
			r.touchDot(prev.Touch, colorBG)
		}
		if cur.Touch.Contact {
			r.touchDot(cur.Touch, colorTouchDot)
		}
		r.line(touchLineY, touchText(cur.Touch))
	}
	if full || prev.Network.Listen != cur.Network.Listen {
		r.line(listenLineY, listenText(cur.Network))
	}
	if full || prev.Network.Client != cur.Network.Client {
		r.line(clientLineY, clientText(cur.Network))
	}
	if full || prev.Battery != cur.Battery {
		r.line(batteryLineY, batteryText(cur.Battery))
	}
}

func (r *Renderer) background() {
	r.c.FillRect(r.c.Bounds(), colorBG)
	tinyfont.WriteLine(r.c, r.font, int16(titleAt.X), int16(titleAt.Y+r.baseline), title, colorFG)
}

func (r *Renderer) indicator(centre image.Point, on bool) {
	col := colorOff
	if on {
		col = colorOn
	}
	at := centre.Sub(image.Pt(indicatorSize/2, indicatorSize/2))
	r.c.FillCircle(at, indicatorSize, col)
}

func (r *Renderer) touchDot(t Touch, col color.RGBA) {
	r.c.FillRect(image.Rect(t.X-1, t.Y-1, t.X-1+touchDotSize, t.Y-1+touchDotSize), col)
}

// line clears one text row and writes s into it.
func (r *Renderer) line(y int, s string) {
	w, _ := r.c.Size()
	r.c.FillRect(image.Rect(lineX, y, int(w), y+r.lineHeight), colorBG)
	tinyfont.WriteLine(r.c, r.font, int16(lineX), int16(y+r.baseline), s, colorDim)
}

func touchText(t Touch) string {
	if !t.Contact {
		return "touch: -"
	}
	return fmt.Sprintf("touch: %d,%d", t.X, t.Y)
}

func listenText(n Network) string {
	if n.Listen == "" {
		return "echo: offline"
	}
	return "echo: " + n.Listen
}

func clientText(n Network) string {
	if n.Client == "" {
		return "accepting..."
	}
	return "client: " + n.Client
}

func batteryText(b Battery) string {
	if !b.Known {
		return "battery: ?"
	}
	return fmt.Sprintf("battery: %d%% %dmV", b.Percent, b.VoltageMv)
}
