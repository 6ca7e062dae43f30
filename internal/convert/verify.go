package convert

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/quantpack/internal/logger"
	"github.com/samcharles93/quantpack/internal/model/stablelm"
	"github.com/samcharles93/quantpack/internal/safetensors"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/pkg/quant"
)

// VerifyOptions configures Verify.
type VerifyOptions struct {
	ModelDir  string
	OutputDir string
	Workers   int
}

// TensorReport is the reconstruction error of one quantized parameter.
type TensorReport struct {
	Name      string  `json:"name"`
	Elements  int     `json:"elements"`
	MaxAbsErr float64 `json:"max_abs_err"`
	RMSE      float64 `json:"rmse"`
}

// Report is the result of Verify.
type Report struct {
	RunID        string         `json:"run_id"`
	Quantization string         `json:"quantization"`
	Tensors      []TensorReport `json:"tensors"`
	MaxAbsErr    float64        `json:"max_abs_err"`
	RMSE         float64        `json:"rmse"`
}

// Verify dequantizes every quantized parameter in opts.OutputDir and
// compares it with the source checkpoint cast to the model dtype.
func Verify(ctx context.Context, opts VerifyOptions) (*Report, error) {
	m, err := ReadManifest(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("run_id", m.RunID)

	scheme, err := m.DecodeScheme()
	if err != nil {
		return nil, err
	}
	report := &Report{RunID: m.RunID, Quantization: m.Quantization}
	gq, ok := scheme.(*quant.GroupQuantize)
	if !ok {
		log.Info("nothing to verify", "quantization", m.Quantization)
		return report, nil
	}

	out, err := safetensors.Open(filepath.Join(opts.OutputDir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Close() }()
	src, err := safetensors.OpenDir(opts.ModelDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	specs := make(map[string]stablelm.ParamSpec)
	for _, p := range stablelm.Params(m.Config) {
		specs[p.Name] = p
	}
	hf := stablelm.HFMapping(m.Config)

	names := make([]string, 0, len(m.ParamMap))
	for n := range m.ParamMap {
		names = append(names, n)
	}
	slices.Sort(names)
	report.Tensors = make([]TensorReport, len(names))

	vo := Options{Workers: opts.Workers}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(vo.workers())
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spec, ok := specs[name]
			if !ok {
				return fmt.Errorf("%s: unknown parameter", name)
			}
			outs := m.ParamMap[name]
			if len(outs) != 2 {
				return fmt.Errorf("%s: expected q_weight and q_scale, got %v", name, outs)
			}
			ref, err := loadParam(src, hf[name], spec)
			if err != nil {
				return err
			}
			ref = ref.Cast(gq.ModelDType)

			qw, err := out.ReadUint(outs[0])
			if err != nil {
				return err
			}
			qs, err := out.ReadFloat(outs[1])
			if err != nil {
				return err
			}
			got, err := dequantize(gq, spec, qw, qs)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if !got.Shape.Equal(ref.Shape) {
				return fmt.Errorf("%s: dequantized shape %v, source %v", name, got.Shape, ref.Shape)
			}
			report.Tensors[i] = compare(name, ref, got)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var sumSq float64
	var total int
	for _, t := range report.Tensors {
		report.MaxAbsErr = max(report.MaxAbsErr, t.MaxAbsErr)
		sumSq += t.RMSE * t.RMSE * float64(t.Elements)
		total += t.Elements
	}
	if total > 0 {
		report.RMSE = math.Sqrt(sumSq / float64(total))
	}
	log.Info("verified model", "tensors", len(report.Tensors), "max_abs_err", report.MaxAbsErr, "rmse", report.RMSE)
	return report, nil
}

func dequantize(q *quant.GroupQuantize, spec stablelm.ParamSpec, qw *tensor.Uint, qs *tensor.Float) (*tensor.Float, error) {
	if spec.Kind == stablelm.KindLinear {
		return q.DequantizeLinear(qw, qs, spec.Shape)
	}
	c, err := q.Dequantize(qw, qs, -1, spec.Shape)
	if err != nil {
		return nil, err
	}
	return c.Materialize(), nil
}

func compare(name string, ref, got *tensor.Float) TensorReport {
	r := TensorReport{Name: name, Elements: len(ref.Data)}
	var sumSq float64
	for i, v := range ref.Data {
		d := math.Abs(float64(got.Data[i]) - float64(v))
		r.MaxAbsErr = max(r.MaxAbsErr, d)
		sumSq += d * d
	}
	if r.Elements > 0 {
		r.RMSE = math.Sqrt(sumSq / float64(r.Elements))
	}
	return r
}
