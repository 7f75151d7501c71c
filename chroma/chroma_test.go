package chroma

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
)

func colorImage(seed uint64, h, w int) *nn.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	t := nn.NewTensor(3, h, w)
	for i := range t.Data {
		t.Data[i] = 0.1 + 0.8*rng.Float32()
	}
	return t
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":        ModeNone,
		"none":    ModeNone,
		"content": ModeContent,
		"Style":   ModeStyle,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("luma")
	assert.True(t, errs.IsConfiguration(err))
}

func TestNoneIsIdentity(t *testing.T) {
	p := New(ModeNone)
	img := colorImage(1, 4, 5)

	luma, st, err := p.Strip(img)
	require.NoError(t, err)
	assert.Same(t, img, luma)
	assert.Nil(t, st)

	out, err := p.Apply(img, nil)
	require.NoError(t, err)
	assert.Same(t, img, out)
}

func TestStripProducesNeutralGray(t *testing.T) {
	img := colorImage(2, 6, 7)
	luma, st, err := New(ModeContent).Strip(img)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 7, st.Width)
	assert.Equal(t, 6, st.Height)

	for i := 0; i < 6*7; i++ {
		r, g, b := luma.Plane(0)[i], luma.Plane(1)[i], luma.Plane(2)[i]
		assert.InDelta(t, r, g, 1e-3)
		assert.InDelta(t, g, b, 1e-3)

		_, a, bb := colorful.Color{R: float64(r), G: float64(g), B: float64(b)}.Lab()
		assert.InDelta(t, 0, a, 1e-3)
		assert.InDelta(t, 0, bb, 1e-3)
	}
}

func TestStripApplyRoundTrip(t *testing.T) {
	img := colorImage(3, 8, 8)
	p := New(ModeContent)

	luma, st, err := p.Strip(img)
	require.NoError(t, err)
	out, err := p.Apply(luma, st)
	require.NoError(t, err)

	for i := range img.Data {
		assert.InDelta(t, img.Data[i], out.Data[i], 1e-3)
	}
}

func TestApplyMatchesChannelMeans(t *testing.T) {
	content := colorImage(4, 8, 8)
	p := New(ModeContent)
	_, st, err := p.Strip(content)
	require.NoError(t, err)

	// An unrelated canvas still comes back with the content's channel means.
	canvas := colorImage(5, 8, 8)
	out, err := p.Apply(canvas, st)
	require.NoError(t, err)

	mean, std := channelStats(out)
	for c := 0; c < 3; c++ {
		assert.InDelta(t, st.Mean[c], mean[c], 1e-4)
		assert.InDelta(t, st.Std[c], std[c], 1e-4)
	}
}

func TestApplyResamplesChroma(t *testing.T) {
	content := colorImage(6, 4, 4)
	p := New(ModeContent)
	_, st, err := p.Strip(content)
	require.NoError(t, err)

	out, err := p.Apply(colorImage(7, 8, 6), st)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 6}, out.Shape())
	for _, v := range out.Data {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestMatchLuminance(t *testing.T) {
	p := New(ModeContent)
	_, contentStats, err := p.Strip(colorImage(8, 8, 8))
	require.NoError(t, err)

	dark := colorImage(9, 8, 8)
	for i := range dark.Data {
		dark.Data[i] *= 0.3
	}
	styleLuma, _, err := p.Strip(dark)
	require.NoError(t, err)

	matched, err := MatchLuminance(styleLuma, contentStats)
	require.NoError(t, err)
	_, got, err := p.Strip(matched)
	require.NoError(t, err)
	assert.InDelta(t, contentStats.LumaMean, got.LumaMean, 0.05)
	assert.InDelta(t, contentStats.LumaStd, got.LumaStd, 0.05)
}

func TestWithColorsOf(t *testing.T) {
	p := New(ModeStyle)
	_, a, err := p.Strip(colorImage(10, 4, 4))
	require.NoError(t, err)
	_, b, err := p.Strip(colorImage(11, 4, 4))
	require.NoError(t, err)

	mixed := a.WithColorsOf(b)
	assert.Equal(t, b.Mean, mixed.Mean)
	assert.Equal(t, b.Std, mixed.Std)
	assert.Equal(t, a.A, mixed.A)
	assert.NotEqual(t, b.Mean, a.Mean)
}

func TestStripRejectsGrayscaleTensor(t *testing.T) {
	_, _, err := New(ModeContent).Strip(nn.NewTensor(1, 4, 4))
	assert.True(t, errs.IsUnsupportedInput(err))

	_, err = New(ModeContent).Apply(nn.NewTensor(3, 4, 4), nil)
	assert.True(t, errs.IsConfiguration(err))
}
