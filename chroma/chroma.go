// Package chroma separates luminance from color so optimization can run on
// brightness alone and the original colors can be reattached afterwards.
//
// Colors are split in CIE Lab: the optimizer sees a neutral gray image that
// carries only L, while the a/b planes and per-channel statistics are kept
// in Stats until Apply recombines them with the optimized luminance.
package chroma

import (
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/stat"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
)

// Mode selects whose colors survive in the result.
type Mode string

const (
	ModeContent Mode = "content" // keep the content image's colors
	ModeStyle   Mode = "style"   // recolor with the style image's colors
	ModeNone    Mode = "none"    // colors mix freely during optimization
)

// ParseMode validates a preserve-color setting. The empty string and "none"
// both disable preservation.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeContent:
		return ModeContent, nil
	case ModeStyle:
		return ModeStyle, nil
	}
	return "", errs.Configuration("unknown preserve_color mode %q (want content, style or none)", s).
		WithContext("option", "preserve_color")
}

// Stats is the color information removed by Strip.
type Stats struct {
	Width, Height int

	// A and B are the Lab chroma planes, row-major.
	A, B []float64

	LumaMean, LumaStd float64

	// Per-channel RGB statistics.
	Mean, Std [3]float64
}

// WithColorsOf returns a copy of s whose luminance and RGB statistics come
// from o. The chroma planes stay those of s.
func (s *Stats) WithColorsOf(o *Stats) *Stats {
	out := *s
	out.LumaMean, out.LumaStd = o.LumaMean, o.LumaStd
	out.Mean, out.Std = o.Mean, o.Std
	return &out
}

// Preserver strips and reattaches color according to its Mode.
type Preserver struct {
	Mode Mode
}

// New returns a Preserver for mode.
func New(mode Mode) *Preserver {
	return &Preserver{Mode: mode}
}

// Active reports whether the preserver transforms images.
func (p *Preserver) Active() bool {
	return p != nil && p.Mode != ModeNone && p.Mode != ""
}

// Strip returns a luminance-only copy of img and the color statistics needed
// to restore it. With ModeNone img is returned unchanged and Stats is nil.
func (p *Preserver) Strip(img *nn.Tensor) (*nn.Tensor, *Stats, error) {
	if !p.Active() {
		return img, nil, nil
	}
	if err := checkRGB(img); err != nil {
		return nil, nil, err
	}
	n := img.H * img.W
	st := &Stats{Width: img.W, Height: img.H, A: make([]float64, n), B: make([]float64, n)}
	luma := make([]float64, n)
	r, g, b := img.Plane(0), img.Plane(1), img.Plane(2)
	for i := 0; i < n; i++ {
		l, a, bb := colorful.Color{R: float64(r[i]), G: float64(g[i]), B: float64(b[i])}.Lab()
		luma[i], st.A[i], st.B[i] = l, a, bb
	}
	st.LumaMean, st.LumaStd = stat.MeanStdDev(luma, nil)
	if math.IsNaN(st.LumaStd) {
		st.LumaStd = 0
	}
	st.Mean, st.Std = channelStats(img)
	return grayFromLuma(luma, img.H, img.W), st, nil
}

// Apply recombines the luminance of canvas with the chroma in st, then
// matches each RGB channel's mean and standard deviation to st. Values are
// not clamped. With ModeNone canvas is returned unchanged.
func (p *Preserver) Apply(canvas *nn.Tensor, st *Stats) (*nn.Tensor, error) {
	if !p.Active() {
		return canvas, nil
	}
	if st == nil {
		return nil, errs.Configuration("color statistics missing for preserve_color=%s", p.Mode)
	}
	if err := checkRGB(canvas); err != nil {
		return nil, err
	}
	h, w := canvas.H, canvas.W
	planeA, planeB := st.A, st.B
	if st.Width != w || st.Height != h {
		planeA = resample(st.A, st.Width, st.Height, w, h)
		planeB = resample(st.B, st.Width, st.Height, w, h)
	}

	out := nn.NewTensor(3, h, w)
	r, g, b := canvas.Plane(0), canvas.Plane(1), canvas.Plane(2)
	or, og, ob := out.Plane(0), out.Plane(1), out.Plane(2)
	for i := range r {
		l, _, _ := colorful.Color{R: float64(r[i]), G: float64(g[i]), B: float64(b[i])}.Lab()
		c := colorful.Lab(l, planeA[i], planeB[i])
		or[i], og[i], ob[i] = float32(c.R), float32(c.G), float32(c.B)
	}

	mean, std := channelStats(out)
	for ch := 0; ch < 3; ch++ {
		plane := out.Plane(ch)
		scale := 1.0
		if std[ch] > 1e-8 {
			scale = st.Std[ch] / std[ch]
		}
		for i, v := range plane {
			plane[i] = float32((float64(v)-mean[ch])*scale + st.Mean[ch])
		}
	}
	return out, nil
}

// MatchLuminance rescales the lightness of a gray image produced by Strip so
// its mean and standard deviation equal those recorded in target.
func MatchLuminance(luma *nn.Tensor, target *Stats) (*nn.Tensor, error) {
	if err := checkRGB(luma); err != nil {
		return nil, err
	}
	if target == nil {
		return luma, nil
	}
	n := luma.H * luma.W
	l := make([]float64, n)
	r, g, b := luma.Plane(0), luma.Plane(1), luma.Plane(2)
	for i := 0; i < n; i++ {
		l[i], _, _ = colorful.Color{R: float64(r[i]), G: float64(g[i]), B: float64(b[i])}.Lab()
	}
	mean, std := stat.MeanStdDev(l, nil)
	scale := 1.0
	if std > 1e-8 {
		scale = target.LumaStd / std
	}
	for i, v := range l {
		l[i] = (v-mean)*scale + target.LumaMean
	}
	return grayFromLuma(l, luma.H, luma.W), nil
}

func checkRGB(t *nn.Tensor) error {
	if t == nil || t.Size() == 0 {
		return errs.UnsupportedInput("empty image")
	}
	if t.C != 3 {
		return errs.UnsupportedInput("color preservation needs 3 channels, got %d", t.C)
	}
	return nil
}

// grayFromLuma renders Lab lightness values as a neutral RGB image.
func grayFromLuma(luma []float64, h, w int) *nn.Tensor {
	out := nn.NewTensor(3, h, w)
	r, g, b := out.Plane(0), out.Plane(1), out.Plane(2)
	for i, l := range luma {
		c := colorful.Lab(l, 0, 0)
		r[i], g[i], b[i] = float32(c.R), float32(c.G), float32(c.B)
	}
	return out
}

func channelStats(t *nn.Tensor) (mean, std [3]float64) {
	buf := make([]float64, t.H*t.W)
	for c := 0; c < 3; c++ {
		for i, v := range t.Plane(c) {
			buf[i] = float64(v)
		}
		mean[c], std[c] = stat.MeanStdDev(buf, nil)
		if math.IsNaN(std[c]) {
			std[c] = 0
		}
	}
	return mean, std
}

// resample scales a plane bilinearly from sw×sh to dw×dh, aligning pixel
// centers.
func resample(src []float64, sw, sh, dw, dh int) []float64 {
	out := make([]float64, dw*dh)
	sx := float64(sw) / float64(dw)
	sy := float64(sh) / float64(dh)
	for y := 0; y < dh; y++ {
		fy := math.Max(0, (float64(y)+0.5)*sy-0.5)
		y0 := min(int(fy), sh-1)
		y1 := min(y0+1, sh-1)
		ty := fy - float64(y0)
		for x := 0; x < dw; x++ {
			fx := math.Max(0, (float64(x)+0.5)*sx-0.5)
			x0 := min(int(fx), sw-1)
			x1 := min(x0+1, sw-1)
			tx := fx - float64(x0)
			top := src[y0*sw+x0]*(1-tx) + src[y0*sw+x1]*tx
			bot := src[y1*sw+x0]*(1-tx) + src[y1*sw+x1]*tx
			out[y*dw+x] = top*(1-ty) + bot*ty
		}
	}
	return out
}
