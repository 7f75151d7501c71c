package nn

import (
	"fmt"
	"strings"
)

// =============================================================================
// Architecture description
// =============================================================================
// A network is a flat list of stages. Stage i corresponds to index i of the
// torchvision `features` Sequential, which is how weight tensors are named
// in safetensors files (features.<i>.weight).

// StageKind is the operation performed by a stage.
type StageKind int

const (
	StageConv StageKind = iota // 3×3 convolution, stride 1, padding 1
	StageReLU                  // max(0, x)
	StagePool                  // 2×2 pooling, stride 2
)

func (k StageKind) String() string {
	switch k {
	case StageConv:
		return "conv"
	case StageReLU:
		return "relu"
	case StagePool:
		return "pool"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// Stage is one step of the feature stack.
type Stage struct {
	ID    string
	Kind  StageKind
	Block int // 1-based block number
	Index int // 1-based position within the block; 0 for pooling
	InC   int
	OutC  int
}

// Architecture is an ordered feature stack.
type Architecture struct {
	Name          string
	InputChannels int
	Stages        []Stage

	index map[string]int
}

// KernelSize is the spatial size of every convolution kernel.
const KernelSize = 3

// NewArchitecture builds a VGG-style stack. blocks[i] lists the output
// channels of the convolutions in block i+1; every convolution is followed by
// a ReLU and every block is closed by a pooling stage.
func NewArchitecture(name string, inputChannels int, blocks [][]int) *Architecture {
	a := &Architecture{Name: name, InputChannels: inputChannels}
	in := inputChannels
	for b, convs := range blocks {
		block := b + 1
		for i, out := range convs {
			n := i + 1
			a.Stages = append(a.Stages,
				Stage{ID: fmt.Sprintf("conv_%d_%d", block, n), Kind: StageConv, Block: block, Index: n, InC: in, OutC: out},
				Stage{ID: fmt.Sprintf("relu_%d_%d", block, n), Kind: StageReLU, Block: block, Index: n, InC: out, OutC: out},
			)
			in = out
		}
		a.Stages = append(a.Stages, Stage{ID: fmt.Sprintf("pool_%d", block), Kind: StagePool, Block: block, InC: in, OutC: in})
	}
	a.reindex()
	return a
}

// VGG19 returns the 16-convolution VGG19 feature stack.
func VGG19() *Architecture {
	return NewArchitecture("vgg19", 3, [][]int{
		{64, 64},
		{128, 128},
		{256, 256, 256, 256},
		{512, 512, 512, 512},
		{512, 512, 512, 512},
	})
}

func (a *Architecture) reindex() {
	a.index = make(map[string]int, len(a.Stages))
	for i, s := range a.Stages {
		a.index[s.ID] = i
	}
}

// StageIndex returns the position of id, or -1.
func (a *Architecture) StageIndex(id string) int {
	if a.index == nil {
		a.reindex()
	}
	if i, ok := a.index[id]; ok {
		return i
	}
	return -1
}

// Has reports whether id names a stage.
func (a *Architecture) Has(id string) bool {
	return a.StageIndex(id) >= 0
}

// Catalog lists every addressable layer identifier in network order.
func (a *Architecture) Catalog() []string {
	out := make([]string, len(a.Stages))
	for i, s := range a.Stages {
		out[i] = s.ID
	}
	return out
}

// Convs returns the convolution stages in network order.
func (a *Architecture) Convs() []Stage {
	var out []Stage
	for _, s := range a.Stages {
		if s.Kind == StageConv {
			out = append(out, s)
		}
	}
	return out
}

// Deepest returns the index of the deepest stage among ids. Unknown ids are
// reported with an error naming the first one found.
func (a *Architecture) Deepest(ids []string) (int, error) {
	deepest := -1
	for _, id := range ids {
		i := a.StageIndex(id)
		if i < 0 {
			return -1, unknownLayer(id)
		}
		deepest = max(deepest, i)
	}
	return deepest, nil
}

// Describe returns a one-line summary such as "vgg19: 16 conv, 37 stages".
func (a *Architecture) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d conv, %d stages", a.Name, len(a.Convs()), len(a.Stages))
	return sb.String()
}
