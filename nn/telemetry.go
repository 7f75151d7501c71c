package nn

// NetworkBlueprint contains the structural information of a feature stack
// evaluated at a concrete input size.
type NetworkBlueprint struct {
	ID          string           `json:"id"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific stage
type LayerTelemetry struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Parameters int    `json:"parameters"`

	InputShape  []int `json:"input_shape"`
	OutputShape []int `json:"output_shape"`

	// Bytes of float32 activation produced by the stage.
	ActivationBytes int `json:"activation_bytes"`
}

// ExtractBlueprint walks the architecture for an input of h×w pixels.
// Stages past upTo (an index into Stages) are omitted; upTo < 0 keeps all.
func ExtractBlueprint(a *Architecture, h, w, upTo int) NetworkBlueprint {
	bp := NetworkBlueprint{ID: a.Name}
	c := a.InputChannels
	for i, s := range a.Stages {
		if upTo >= 0 && i > upTo {
			break
		}
		tel := LayerTelemetry{
			ID:         s.ID,
			Type:       s.Kind.String(),
			InputShape: []int{c, h, w},
		}

		switch s.Kind {
		case StageConv:
			// Kernels + Biases
			tel.Parameters = s.OutC*s.InC*KernelSize*KernelSize + s.OutC
			c = s.OutC
		case StagePool:
			h, w = h/2, w/2
		}

		tel.OutputShape = []int{c, h, w}
		tel.ActivationBytes = 4 * c * h * w
		bp.TotalParams += tel.Parameters
		bp.Layers = append(bp.Layers, tel)
	}
	bp.TotalLayers = len(bp.Layers)
	return bp
}

// PeakActivationBytes sums the activations a traced forward pass keeps alive.
func (bp NetworkBlueprint) PeakActivationBytes() int {
	total := 0
	for _, l := range bp.Layers {
		total += l.ActivationBytes
	}
	return total
}
