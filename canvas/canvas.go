// Package canvas converts between images and the [C,H,W] tensors the
// optimizer works on, and builds the starting canvas of a run.
package canvas

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
)

// FromImage converts img to a 3-channel tensor with values in [0,1]. Alpha is
// removed by un-premultiplying.
func FromImage(img image.Image) (*nn.Tensor, error) {
	if img == nil {
		return nil, errs.UnsupportedInput("no image")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errs.UnsupportedInput("image has no pixels (%dx%d)", w, h)
	}
	t := nn.NewTensor(3, h, w)
	r, g, bl := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := range h {
		for x := range w {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			off := y*w + x
			r[off] = float32(c.R) / 0xffff
			g[off] = float32(c.G) / 0xffff
			bl[off] = float32(c.B) / 0xffff
		}
	}
	return t, nil
}

// ToImage renders a 3-channel tensor as an opaque RGBA image, clamping every
// value to [0,1].
func ToImage(t *nn.Tensor) (*image.RGBA, error) {
	if t == nil || t.Size() == 0 {
		return nil, errs.UnsupportedInput("empty canvas")
	}
	if t.C != 3 {
		return nil, errs.UnsupportedInput("canvas has %d channels, want 3", t.C)
	}
	out := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	r, g, b := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := range t.H {
		for x := range t.W {
			off := y*t.W + x
			out.SetRGBA(x, y, color.RGBA{to8(r[off]), to8(g[off]), to8(b[off]), 255})
		}
	}
	return out, nil
}

func to8(v float32) uint8 {
	if v != v {
		return 0
	}
	return uint8(max(0, min(255, math.Round(float64(v)*255))))
}

// ScaledSize returns the dimensions of a w×h image resized so its longer side
// is area pixels. The shorter side is rounded and never drops below 1.
func ScaledSize(w, h, area int) (int, int) {
	if w >= h {
		return area, max(1, int(math.Round(float64(h)*float64(area)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(area)/float64(h)))), area
}

// Resize scales img so its longer side equals area, preserving aspect ratio.
func Resize(img image.Image, area int) (image.Image, error) {
	if area <= 0 {
		return nil, errs.Configuration("area must be positive, got %d", area).WithContext("option", "area")
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errs.UnsupportedInput("image has no pixels")
	}
	b := img.Bounds()
	w, h := ScaledSize(b.Dx(), b.Dy(), area)
	return ResizeTo(img, w, h)
}

// ResizeTo scales img to exactly w×h with Catmull-Rom resampling.
func ResizeTo(img image.Image, w, h int) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errs.UnsupportedInput("image has no pixels")
	}
	if w <= 0 || h <= 0 {
		return nil, errs.UnsupportedInput("cannot resize to %dx%d", w, h)
	}
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img, nil
	}
	dst := image.NewNRGBA64(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// Load resizes img to area and converts it to a tensor.
func Load(img image.Image, area int) (*nn.Tensor, error) {
	r, err := Resize(img, area)
	if err != nil {
		return nil, err
	}
	return FromImage(r)
}
