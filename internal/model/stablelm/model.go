package stablelm

import (
	"fmt"
	"strings"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

// ParamKind classifies a parameter by the module that owns it.
type ParamKind int

const (
	KindLinear ParamKind = iota
	KindEmbedding
	KindNorm
	KindBias
)

func (k ParamKind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindEmbedding:
		return "embedding"
	case KindNorm:
		return "norm"
	case KindBias:
		return "bias"
	default:
		return "unknown"
	}
}

// ParamSpec is one model parameter before quantization.
type ParamSpec struct {
	Name  string
	Shape tensor.Shape
	Kind  ParamKind
}

// Module returns the owning module name, e.g. "lm_head" for "lm_head.weight".
func (p ParamSpec) Module() string {
	if i := strings.LastIndexByte(p.Name, '.'); i >= 0 {
		return p.Name[:i]
	}
	return p.Name
}

// Param is one stored parameter of a (possibly quantized) model.
type Param struct {
	Name  string       `json:"name"`
	Shape tensor.Shape `json:"shape"`
	DType dtype.DType  `json:"dtype"`
}

// Model is the stored parameter layout of a StableLM model.
type Model struct {
	Config *Config
	Params []Param
}

// Param returns the stored parameter called name.
func (m *Model) Param(name string) (Param, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Params lists the parameters of the fused StableLM model in load order:
// q/k/v are fused into qkv_proj and gate/up into gate_up_proj.
func Params(cfg *Config) []ParamSpec {
	h := cfg.HiddenSize
	qkv := (cfg.NumAttentionHeads + 2*cfg.NumKeyValueHeads) * cfg.HeadDim
	attnOut := cfg.NumAttentionHeads * cfg.HeadDim

	out := make([]ParamSpec, 0, 3+cfg.NumHiddenLayers*10)
	out = append(out, ParamSpec{Name: "model.embed_tokens.weight", Shape: tensor.Shape{cfg.VocabSize, h}, Kind: KindEmbedding})
	for i := range cfg.NumHiddenLayers {
		p := fmt.Sprintf("model.layers.%d.", i)
		out = append(out,
			ParamSpec{Name: p + "input_layernorm.weight", Shape: tensor.Shape{h}, Kind: KindNorm},
			ParamSpec{Name: p + "input_layernorm.bias", Shape: tensor.Shape{h}, Kind: KindBias},
			ParamSpec{Name: p + "self_attn.qkv_proj.weight", Shape: tensor.Shape{qkv, h}, Kind: KindLinear},
		)
		if cfg.UseQKVBias {
			out = append(out, ParamSpec{Name: p + "self_attn.qkv_proj.bias", Shape: tensor.Shape{qkv}, Kind: KindBias})
		}
		out = append(out,
			ParamSpec{Name: p + "self_attn.o_proj.weight", Shape: tensor.Shape{h, attnOut}, Kind: KindLinear},
			ParamSpec{Name: p + "post_attention_layernorm.weight", Shape: tensor.Shape{h}, Kind: KindNorm},
			ParamSpec{Name: p + "post_attention_layernorm.bias", Shape: tensor.Shape{h}, Kind: KindBias},
			ParamSpec{Name: p + "mlp.gate_up_proj.weight", Shape: tensor.Shape{2 * cfg.IntermediateSize, h}, Kind: KindLinear},
			ParamSpec{Name: p + "mlp.down_proj.weight", Shape: tensor.Shape{h, cfg.IntermediateSize}, Kind: KindLinear},
		)
	}
	out = append(out,
		ParamSpec{Name: "model.norm.weight", Shape: tensor.Shape{h}, Kind: KindNorm},
		ParamSpec{Name: "model.norm.bias", Shape: tensor.Shape{h}, Kind: KindBias},
	)
	if !cfg.TieWordEmbeddings {
		out = append(out, ParamSpec{Name: "lm_head.weight", Shape: tensor.Shape{cfg.VocabSize, h}, Kind: KindLinear})
	}
	return out
}
