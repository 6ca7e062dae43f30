// Package convert turns a Hugging Face StableLM checkpoint into quantized
// safetensors and checks the result against the source weights.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/quantpack/internal/logger"
	"github.com/samcharles93/quantpack/internal/model/stablelm"
	"github.com/samcharles93/quantpack/internal/safetensors"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/internal/version"
	"github.com/samcharles93/quantpack/pkg/quant"
)

// Options configures Run.
type Options struct {
	ModelDir     string
	OutputDir    string
	Quantization string
	// Registry resolves Quantization; nil uses the built-in presets.
	Registry *quant.Registry
	// Workers bounds parallel parameter conversion; <= 0 uses GOMAXPROCS.
	Workers int
}

// Result summarises a finished conversion.
type Result struct {
	RunID        string
	Quantization string
	Params       int
	Quantized    int
	OutputDir    string
	Elapsed      time.Duration
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) scheme() (quant.Scheme, error) {
	r := o.Registry
	if r == nil {
		r = quant.NewRegistry()
	}
	return r.Lookup(o.Quantization)
}

// Plan is the layout of a StableLM model under one quantization.
type Plan struct {
	Config  *stablelm.Config
	Scheme  quant.Scheme
	Model   *stablelm.Model
	Mapping *quant.QuantizeMapping
}

// NewPlan lays out cfg under scheme.
func NewPlan(cfg *stablelm.Config, scheme quant.Scheme) (*Plan, error) {
	m, qmap, err := stablelm.Quantize(cfg, scheme)
	if err != nil {
		return nil, err
	}
	return &Plan{Config: cfg, Scheme: scheme, Model: m, Mapping: qmap}, nil
}

// Run converts the checkpoint in opts.ModelDir and writes model.safetensors
// and quantization.json into opts.OutputDir.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run_id", runID)

	scheme, err := opts.scheme()
	if err != nil {
		return nil, err
	}
	cfg, err := stablelm.LoadConfig(filepath.Join(opts.ModelDir, "config.json"))
	if err != nil {
		return nil, err
	}
	plan, err := NewPlan(cfg, scheme)
	if err != nil {
		return nil, err
	}
	info := scheme.Info()
	log.Info("converting model",
		"model", opts.ModelDir,
		"quantization", info.Name,
		"layers", cfg.NumHiddenLayers,
		"quantized_params", len(plan.Mapping.ParamMap),
	)

	src, err := safetensors.OpenDir(opts.ModelDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")
	w.SetMetadata("quantization", info.Name)
	w.SetMetadata("run_id", runID)

	declared := make(map[string]stablelm.Param, len(plan.Model.Params))
	for _, p := range plan.Model.Params {
		declared[p.Name] = p
	}
	hf := stablelm.HFMapping(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for _, spec := range stablelm.Params(cfg) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w0, err := loadParam(src, hf[spec.Name], spec)
			if err != nil {
				return err
			}
			w0 = w0.Cast(info.ModelDType)

			if _, _, ok := plan.Mapping.Lookup(spec.Name); !ok {
				return addParam(w, declared, quant.Param{Name: spec.Name, Float: w0})
			}
			params, err := plan.Mapping.Apply(spec.Name, w0)
			if err != nil {
				return err
			}
			for _, p := range params {
				if err := addParam(w, declared, p); err != nil {
					return err
				}
			}
			log.Debug("quantized parameter", "name", spec.Name, "shape", spec.Shape.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := w.WriteFile(filepath.Join(opts.OutputDir, WeightsFile)); err != nil {
		return nil, fmt.Errorf("write weights: %w", err)
	}
	rawScheme, err := json.Marshal(scheme)
	if err != nil {
		return nil, fmt.Errorf("encode scheme: %w", err)
	}
	manifest := &Manifest{
		RunID:        runID,
		CreatedAt:    time.Now().UTC(),
		Version:      version.String(),
		ModelType:    "stablelm",
		Quantization: info.Name,
		Scheme:       rawScheme,
		Config:       cfg,
		ParamMap:     plan.Mapping.ParamMap,
		Params:       plan.Model.Params,
	}
	if err := writeManifest(filepath.Join(opts.OutputDir, ManifestFile), manifest); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:        runID,
		Quantization: info.Name,
		Params:       len(plan.Model.Params),
		Quantized:    len(plan.Mapping.ParamMap),
		OutputDir:    opts.OutputDir,
		Elapsed:      time.Since(start),
	}
	log.Info("conversion finished", "params", res.Params, "elapsed", res.Elapsed)
	return res, nil
}

// loadParam reads the Hugging Face tensors behind spec and fuses them.
func loadParam(src *safetensors.Set, s stablelm.Source, spec stablelm.ParamSpec) (*tensor.Float, error) {
	if len(s.Names) == 0 {
		return nil, fmt.Errorf("%s: no source tensors", spec.Name)
	}
	parts := make([]*tensor.Float, 0, len(s.Names))
	for _, n := range s.Names {
		t, err := src.ReadFloat(n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		parts = append(parts, t)
	}
	w, err := s.Fuse(parts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	if !w.Shape.Equal(spec.Shape) {
		return nil, fmt.Errorf("%s: source shape %v does not match expected %v", spec.Name, w.Shape, spec.Shape)
	}
	return w, nil
}

func addParam(w *safetensors.Writer, declared map[string]stablelm.Param, p quant.Param) error {
	want, ok := declared[p.Name]
	if !ok {
		return fmt.Errorf("%s: not part of the quantized model", p.Name)
	}
	if !p.Shape().Equal(want.Shape) || p.DType() != want.DType {
		return fmt.Errorf("%s: produced %s %v, expected %s %v", p.Name, p.DType(), p.Shape(), want.DType, want.Shape)
	}
	if p.Packed != nil {
		return w.AddUint(p.Name, p.Packed)
	}
	return w.AddFloat(p.Name, p.Float)
}
