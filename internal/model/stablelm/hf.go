package stablelm

import (
	"fmt"
	"strings"

	"github.com/samcharles93/quantpack/internal/tensor"
)

// Source names the Hugging Face tensors that make up one model parameter.
type Source struct {
	Names []string
	fuse  func(parts ...*tensor.Float) (*tensor.Float, error)
}

// Fuse combines the loaded source tensors, given in Names order.
func (s Source) Fuse(parts ...*tensor.Float) (*tensor.Float, error) {
	if len(parts) != len(s.Names) {
		return nil, fmt.Errorf("stablelm: fuse expects %d tensors, got %d", len(s.Names), len(parts))
	}
	if s.fuse == nil {
		return parts[0], nil
	}
	return s.fuse(parts...)
}

// HFMapping maps every fused parameter name to its Hugging Face sources.
func HFMapping(cfg *Config) map[string]Source {
	out := make(map[string]Source)
	for _, p := range Params(cfg) {
		prefix, leaf, _ := cutLast(p.Name, ".")
		switch {
		case strings.HasSuffix(prefix, ".self_attn.qkv_proj"):
			base := strings.TrimSuffix(prefix, "qkv_proj")
			out[p.Name] = Source{
				Names: []string{base + "q_proj." + leaf, base + "k_proj." + leaf, base + "v_proj." + leaf},
				fuse:  tensor.Concat,
			}
		case strings.HasSuffix(prefix, ".mlp.gate_up_proj"):
			base := strings.TrimSuffix(prefix, "gate_up_proj")
			out[p.Name] = Source{
				Names: []string{base + "gate_proj." + leaf, base + "up_proj." + leaf},
				fuse:  tensor.Concat,
			}
		default:
			out[p.Name] = Source{Names: []string{p.Name}}
		}
	}
	return out
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
