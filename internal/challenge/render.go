package challenge

import (
	"errors"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"math/rand/v2"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrRenderingUnavailable means no captcha image could be produced. The
// session continues with movement-only verification.
var ErrRenderingUnavailable = errors.New("captcha rendering unavailable")

// maxMapSide is the pixel size of a map item.
const maxMapSide = 128

// Renderer turns captcha text into a bitmap.
type Renderer interface {
	Render(text string) (*image.Gray, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(text string) (*image.Gray, error)

func (f RendererFunc) Render(text string) (*image.Gray, error) { return f(text) }

// TextRenderer draws the text with a bitmap font scaled up to fill a map and
// scratches it with noise lines. The output depends only on the text.
type TextRenderer struct {
	Size  int // square side in pixels, at most 128
	Lines int // noise lines drawn over the text
}

// NewTextRenderer returns a renderer producing full-size map images.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{Size: maxMapSide, Lines: 6}
}

func (r *TextRenderer) Render(text string) (*image.Gray, error) {
	size := r.Size
	if size <= 0 || size > maxMapSide {
		return nil, ErrRenderingUnavailable
	}
	if text == "" {
		return nil, errors.New("empty captcha text")
	}

	face := basicfont.Face7x13
	adv := font.MeasureString(face, text).Ceil()
	small := image.NewGray(image.Rect(0, 0, adv+4, face.Height+4))
	draw.Draw(small, small.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  small,
		Src:  image.Black,
		Face: face,
		Dot:  fixed.P(2, 2+face.Ascent),
	}
	d.DrawString(text)

	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	// Keep the aspect ratio and center the text band.
	w := size - 8
	h := w * small.Bounds().Dy() / small.Bounds().Dx()
	if h > size-8 {
		h = size - 8
	}
	top := (size - h) / 2
	target := image.Rect(4, top, 4+w, top+h)
	xdraw.NearestNeighbor.Scale(dst, target, small, small.Bounds(), xdraw.Over, nil)

	seed := fnv.New64a()
	seed.Write([]byte(text))
	rng := rand.New(rand.NewPCG(seed.Sum64(), uint64(len(text))))
	for i := 0; i < r.Lines; i++ {
		shade := color.Gray{Y: uint8(rng.IntN(96))}
		line(dst, rng.IntN(size), rng.IntN(size), rng.IntN(size), rng.IntN(size), shade)
	}

	return dst, nil
}

// line draws a 1px Bresenham line.
func line(img *image.Gray, x0, y0, x1, y1 int, c color.Gray) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetGray(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
