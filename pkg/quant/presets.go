package quant

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/quantpack/internal/dtype"
)

func groupPreset(name string, groupSize int, qdt, model dtype.DType, layout string, ft bool) *GroupQuantize {
	q := &GroupQuantize{
		Name:               name,
		Kind:               KindGroupQuant,
		GroupSize:          groupSize,
		QuantizeDType:      qdt,
		StorageDType:       dtype.Uint32,
		ModelDType:         model,
		LinearWeightLayout: layout,
		QuantizeEmbedding:  true,
		QuantizeFinalFC:    true,
		FTReorder:          ft,
	}
	if err := q.Validate(); err != nil {
		panic(err)
	}
	return q
}

// builtins returns fresh copies of the built-in presets.
func builtins() []Scheme {
	return []Scheme{
		&NoQuantize{Name: "q0f16", Kind: KindNoQuant, ModelDType: dtype.Float16},
		&NoQuantize{Name: "q0f32", Kind: KindNoQuant, ModelDType: dtype.Float32},
		groupPreset("q3f16_0", 40, dtype.Int3, dtype.Float16, LayoutKN, false),
		groupPreset("q3f16_1", 40, dtype.Int3, dtype.Float16, LayoutNK, false),
		groupPreset("q4f16_0", 32, dtype.Int4, dtype.Float16, LayoutKN, false),
		groupPreset("q4f16_1", 32, dtype.Int4, dtype.Float16, LayoutNK, false),
		groupPreset("q4f32_1", 32, dtype.Int4, dtype.Float32, LayoutNK, false),
		groupPreset("q4f16_ft", 32, dtype.Int4, dtype.Float16, LayoutNK, true),
		groupPreset("e4m3f16_1", 32, dtype.E4M3, dtype.Float16, LayoutNK, false),
		groupPreset("e5m2f16_1", 32, dtype.E5M2, dtype.Float16, LayoutNK, false),
	}
}

// Registry holds quantization schemes by name.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
}

// NewRegistry returns a registry holding the built-in presets.
func NewRegistry() *Registry {
	r := &Registry{schemes: make(map[string]Scheme)}
	for _, s := range builtins() {
		r.schemes[s.Info().Name] = s
	}
	return r
}

// Add validates s and registers it, replacing any scheme of the same name.
func (r *Registry) Add(s Scheme) error {
	if err := s.Validate(); err != nil {
		return err
	}
	name := s.Info().Name
	if name == "" {
		return fmt.Errorf("quant: scheme has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[name] = s
	return nil
}

// Lookup returns a copy of the scheme called name, so callers may adjust it.
func (r *Registry) Lookup(name string) (Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	switch v := s.(type) {
	case *GroupQuantize:
		c := *v
		return &c, nil
	case *NoQuantize:
		c := *v
		return &c, nil
	}
	return s, nil
}

// Names returns all registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemes))
	for n := range r.schemes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Schemes returns all registered schemes ordered by name.
func (r *Registry) Schemes() []Scheme {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scheme, 0, len(names))
	for _, n := range names {
		out = append(out, r.schemes[n])
	}
	return out
}
