package stablelm

import (
	"testing"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/pkg/quant"
)

func groupPreset(t *testing.T, name string) *quant.GroupQuantize {
	t.Helper()
	s, err := quant.NewRegistry().Lookup(name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return s.(*quant.GroupQuantize)
}

func TestParams(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	specs := Params(cfg)
	// embed + 2 layers * 8 + final norm weight/bias + lm_head
	if len(specs) != 20 {
		t.Fatalf("got %d params, want 20", len(specs))
	}
	byName := make(map[string]ParamSpec)
	for _, p := range specs {
		byName[p.Name] = p
	}
	qkv := byName["model.layers.0.self_attn.qkv_proj.weight"]
	if !qkv.Shape.Equal(tensor.Shape{64, 32}) || qkv.Kind != KindLinear {
		t.Fatalf("qkv spec %+v", qkv)
	}
	if got := byName["model.layers.1.mlp.gate_up_proj.weight"].Shape; !got.Equal(tensor.Shape{96, 32}) {
		t.Fatalf("gate_up shape %v", got)
	}
	if got := byName["model.layers.1.mlp.down_proj.weight"].Shape; !got.Equal(tensor.Shape{32, 48}) {
		t.Fatalf("down shape %v", got)
	}
	if byName["lm_head.weight"].Module() != "lm_head" {
		t.Fatalf("lm_head module %q", byName["lm_head.weight"].Module())
	}

	tied := *cfg
	tied.TieWordEmbeddings = true
	tied.UseQKVBias = true
	specs = Params(&tied)
	if len(specs) != 21 {
		t.Fatalf("got %d params with tied embeddings and qkv bias, want 21", len(specs))
	}
	for _, p := range specs {
		if p.Name == "lm_head.weight" {
			t.Fatal("tied model must not have lm_head")
		}
	}
}

func TestGroupQuant(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	q := groupPreset(t, "q4f16_1")
	m, qmap, err := GroupQuant(cfg, q)
	if err != nil {
		t.Fatalf("GroupQuant: %v", err)
	}

	qw, ok := m.Param("model.layers.0.self_attn.qkv_proj.q_weight")
	if !ok {
		t.Fatal("missing qkv q_weight")
	}
	if !qw.Shape.Equal(tensor.Shape{64, 4}) || qw.DType != dtype.Uint32 {
		t.Fatalf("qkv q_weight %+v", qw)
	}
	qs, _ := m.Param("model.layers.0.self_attn.qkv_proj.q_scale")
	if !qs.Shape.Equal(tensor.Shape{64, 1}) || qs.DType != dtype.Float16 {
		t.Fatalf("qkv q_scale %+v", qs)
	}
	if _, ok := m.Param("model.layers.0.self_attn.qkv_proj.weight"); ok {
		t.Fatal("quantized weight kept in float")
	}
	if p, ok := m.Param("model.norm.weight"); !ok || p.DType != dtype.Float16 {
		t.Fatalf("norm weight %+v", p)
	}
	if _, ok := m.Param("model.embed_tokens.q_weight"); !ok {
		t.Fatal("embedding not quantized")
	}
	if _, ok := m.Param("lm_head.q_weight"); !ok {
		t.Fatal("final fc not quantized")
	}

	outs, _, ok := qmap.Lookup("model.layers.1.mlp.down_proj.weight")
	if !ok || len(outs) != 2 || outs[0] != "model.layers.1.mlp.down_proj.q_weight" {
		t.Fatalf("down_proj mapping %v", outs)
	}
	// 2 layers * 3 linears + embedding + lm_head
	if n := len(qmap.Names()); n != 8 {
		t.Fatalf("got %d quantized params, want 8", n)
	}

	w := tensor.NewFloat(tensor.Shape{32, 48}, dtype.Float32)
	for i := range w.Data {
		w.Data[i] = float32(i%7) - 3
	}
	params, err := qmap.Apply("model.layers.1.mlp.down_proj.weight", w)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// 48 inputs pad to two groups of 32.
	if !params[0].Shape().Equal(tensor.Shape{32, 8}) || !params[1].Shape().Equal(tensor.Shape{32, 2}) {
		t.Fatalf("applied shapes %v %v", params[0].Shape(), params[1].Shape())
	}
	dm, _ := m.Param("model.layers.1.mlp.down_proj.q_weight")
	if !dm.Shape.Equal(params[0].Shape()) {
		t.Fatalf("declared shape %v differs from produced %v", dm.Shape, params[0].Shape())
	}
}

func TestGroupQuantSkipsFinalFCAndEmbedding(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	q := groupPreset(t, "q4f16_0")
	q.QuantizeFinalFC = false
	q.QuantizeEmbedding = false
	m, qmap, err := GroupQuant(cfg, q)
	if err != nil {
		t.Fatalf("GroupQuant: %v", err)
	}
	if p, ok := m.Param("lm_head.weight"); !ok || p.DType != dtype.Float16 {
		t.Fatalf("lm_head %+v", p)
	}
	if _, ok := m.Param("model.embed_tokens.weight"); !ok {
		t.Fatal("embedding should stay in float")
	}
	if _, _, ok := qmap.Lookup("lm_head.weight"); ok {
		t.Fatal("lm_head should not be mapped")
	}
	// KN layout: o_proj [32, 32] is stored transposed and packed along axis 0.
	qw, _ := m.Param("model.layers.0.self_attn.o_proj.q_weight")
	if !qw.Shape.Equal(tensor.Shape{4, 32}) {
		t.Fatalf("KN o_proj q_weight %v", qw.Shape)
	}
}

func TestQuantizeDispatch(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	s, err := quant.NewRegistry().Lookup("q0f32")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	m, qmap, err := Quantize(cfg, s)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if len(m.Params) != len(Params(cfg)) || len(qmap.Names()) != 0 {
		t.Fatalf("no-quant model has %d params and %d mappings", len(m.Params), len(qmap.Names()))
	}
	for _, p := range m.Params {
		if p.DType != dtype.Float32 {
			t.Fatalf("%s has dtype %s", p.Name, p.DType)
		}
	}
	if _, _, err := Quantize(cfg, &quant.GroupQuantize{Name: "bad", GroupSize: 3, QuantizeDType: dtype.Int4, ModelDType: dtype.Float16}); err == nil {
		t.Fatal("expected invalid scheme to fail")
	}
}

func TestHFMapping(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	cfg.UseQKVBias = true
	hf := HFMapping(cfg)
	if len(hf) != len(Params(cfg)) {
		t.Fatalf("mapping has %d entries, want %d", len(hf), len(Params(cfg)))
	}

	src := hf["model.layers.0.self_attn.qkv_proj.weight"]
	want := []string{
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
	}
	if len(src.Names) != 3 {
		t.Fatalf("qkv sources %v", src.Names)
	}
	for i := range want {
		if src.Names[i] != want[i] {
			t.Fatalf("qkv sources %v, want %v", src.Names, want)
		}
	}
	if b := hf["model.layers.1.self_attn.qkv_proj.bias"].Names; len(b) != 3 || b[2] != "model.layers.1.self_attn.v_proj.bias" {
		t.Fatalf("qkv bias sources %v", b)
	}
	gu := hf["model.layers.1.mlp.gate_up_proj.weight"].Names
	if len(gu) != 2 || gu[0] != "model.layers.1.mlp.gate_proj.weight" || gu[1] != "model.layers.1.mlp.up_proj.weight" {
		t.Fatalf("gate_up sources %v", gu)
	}
	if n := hf["model.norm.bias"].Names; len(n) != 1 || n[0] != "model.norm.bias" {
		t.Fatalf("norm sources %v", n)
	}

	q := tensor.NewFloat(tensor.Shape{32, 32}, dtype.Float32)
	k := tensor.NewFloat(tensor.Shape{16, 32}, dtype.Float32)
	v := tensor.NewFloat(tensor.Shape{16, 32}, dtype.Float32)
	v.Data[0] = 5
	fused, err := src.Fuse(q, k, v)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if !fused.Shape.Equal(tensor.Shape{64, 32}) || fused.At(48, 0) != 5 {
		t.Fatalf("fused shape %v value %v", fused.Shape, fused.At(48, 0))
	}
	if _, err := src.Fuse(q, k); err == nil {
		t.Fatal("expected arity error")
	}
	single, err := hf["model.norm.weight"].Fuse(q)
	if err != nil || single != q {
		t.Fatalf("identity fuse returned %v, %v", single, err)
	}
}
