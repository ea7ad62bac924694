package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// LayerParams is the serialised form of a Dense layer. Weights are row
// major, Out rows of In values.
type LayerParams struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// SynthesizerParams is the serialised synthesizer.
type SynthesizerParams struct {
	Layers []LayerParams `json:"layers"`
}

// ActorCriticParams is the serialised actor-critic.
type ActorCriticParams struct {
	Trunk  []LayerParams `json:"trunk"`
	Mean   LayerParams   `json:"mean"`
	Value  LayerParams   `json:"value"`
	LogStd []float64     `json:"log_std"`
}

func (d *Dense) params() LayerParams {
	out, in := d.W.Dims()
	w := make([]float64, 0, out*in)
	for i := 0; i < out; i++ {
		w = append(w, d.W.RawRowView(i)...)
	}
	b := make([]float64, len(d.B))
	copy(b, d.B)
	return LayerParams{In: in, Out: out, Weights: w, Bias: b}
}

func (d *Dense) setParams(p LayerParams) error {
	if p.In != d.In() || p.Out != d.Out() {
		return fmt.Errorf("%w: layer is %dx%d, params are %dx%d", ErrParamShape, d.In(), d.Out(), p.In, p.Out)
	}
	if len(p.Weights) != p.In*p.Out || len(p.Bias) != p.Out {
		return fmt.Errorf("%w: got %d weights and %d biases for %dx%d layer", ErrParamShape, len(p.Weights), len(p.Bias), p.In, p.Out)
	}
	w := make([]float64, len(p.Weights))
	copy(w, p.Weights)
	d.W = mat.NewDense(p.Out, p.In, w)
	d.B = append([]float64(nil), p.Bias...)
	return nil
}

func (m *MLP) params() []LayerParams {
	out := make([]LayerParams, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.params()
	}
	return out
}

func (m *MLP) setParams(ps []LayerParams) error {
	if len(ps) != len(m.Layers) {
		return fmt.Errorf("%w: want %d layers, got %d", ErrParamShape, len(m.Layers), len(ps))
	}
	for i, p := range ps {
		if err := m.Layers[i].setParams(p); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// Params returns a copy of the synthesizer parameters.
func (s *Synthesizer) Params() SynthesizerParams {
	return SynthesizerParams{Layers: s.net.params()}
}

// SetParams replaces the synthesizer parameters after shape validation.
func (s *Synthesizer) SetParams(p SynthesizerParams) error {
	return s.net.setParams(p.Layers)
}

// Params returns a copy of the actor-critic parameters.
func (a *ActorCritic) Params() ActorCriticParams {
	return ActorCriticParams{
		Trunk:  a.trunk.params(),
		Mean:   a.mean.params(),
		Value:  a.value.params(),
		LogStd: append([]float64(nil), a.LogStd...),
	}
}

// SetParams replaces the actor-critic parameters after shape validation.
func (a *ActorCritic) SetParams(p ActorCriticParams) error {
	if len(p.LogStd) != a.ActionWidth() {
		return fmt.Errorf("%w: want %d log_std values, got %d", ErrParamShape, a.ActionWidth(), len(p.LogStd))
	}
	if err := a.trunk.setParams(p.Trunk); err != nil {
		return fmt.Errorf("trunk: %w", err)
	}
	if err := a.mean.setParams(p.Mean); err != nil {
		return fmt.Errorf("mean head: %w", err)
	}
	if err := a.value.setParams(p.Value); err != nil {
		return fmt.Errorf("value head: %w", err)
	}
	a.LogStd = append([]float64(nil), p.LogStd...)
	return nil
}

// SaveParams writes v as indented JSON to path.
func SaveParams(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write params: %w", err)
	}
	return nil
}

// maxParamsFileSize bounds weight files; the reference networks are well
// under this when serialised.
const maxParamsFileSize = 64 * 1024 * 1024

// LoadParams reads JSON parameters from path into v.
func LoadParams(path string, v any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("params file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat params file: %w", err)
	}
	if info.Size() > maxParamsFileSize {
		return fmt.Errorf("params file too large: %d bytes (max %d)", info.Size(), maxParamsFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read params file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse params JSON: %w", err)
	}
	return nil
}
