package device

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/artstyle/errs"
	"github.com/openfluke/artstyle/nn"
	"github.com/openfluke/artstyle/optim"
)

type fakeAccel struct {
	be     *nn.CPUBackend
	closed bool
}

type fakeVectors struct{ optim.HostVectors }

func (fakeVectors) Name() string { return "fake" }

func (f *fakeAccel) Name() string           { return "fake-gpu" }
func (f *fakeAccel) Backend() nn.Backend    { return f.be }
func (f *fakeAccel) Vectors() optim.Vectors { return fakeVectors{} }
func (f *fakeAccel) Close()                 { f.closed = true; f.be.Close() }

func withProbe(t *testing.T, fn func(*log.Logger, int) (accelerator, error)) {
	t.Helper()
	old := probe
	probe = fn
	t.Cleanup(func() { probe = old })
}

func unavailable(*log.Logger, int) (accelerator, error) {
	return nil, errors.New("no adapter")
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"": KindAuto, "auto": KindAuto, "cpu": KindCPU,
		"cuda": KindAccelerated, "GPU": KindAccelerated, "accelerated": KindAccelerated,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("tpu")
	assert.True(t, errs.IsConfiguration(err))
}

func TestSelectCPU(t *testing.T) {
	d, err := Select(KindCPU, Options{Workers: 1})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, KindCPU, d.Kind)
	assert.False(t, d.Accelerated())
	assert.Equal(t, "cpu", d.Backend.Name())
	assert.Equal(t, Placement{Compute: "cpu", State: "host"}, d.Placement(false))
}

func TestExplicitAcceleratorFails(t *testing.T) {
	withProbe(t, unavailable)
	_, err := Select(KindAccelerated, Options{})
	require.Error(t, err)
	assert.True(t, errs.IsDeviceUnavailable(err))
	assert.Contains(t, err.Error(), "no adapter")
}

func TestAutoFallsBackAndLogs(t *testing.T) {
	withProbe(t, unavailable)
	var buf bytes.Buffer
	d, err := Select(KindAuto, Options{Workers: 1, Logger: log.New(&buf, "", 0)})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, KindCPU, d.Kind)
	assert.Contains(t, buf.String(), "[device] accelerator unavailable, using cpu: no adapter")
}

func TestAcceleratorPlacement(t *testing.T) {
	fake := &fakeAccel{be: nn.NewCPUBackend(1)}
	withProbe(t, func(*log.Logger, int) (accelerator, error) { return fake, nil })

	d, err := Select(KindAuto, Options{})
	require.NoError(t, err)
	assert.True(t, d.Accelerated())
	assert.Equal(t, KindAccelerated, d.Kind)
	assert.Equal(t, "fake-gpu", d.Name)
	assert.Equal(t, "fake", d.StateVectors(false).Name())
	assert.Equal(t, "host", d.StateVectors(true).Name())

	d.Close()
	assert.True(t, fake.closed)
}
