package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantpack/internal/convert"
	"github.com/samcharles93/quantpack/internal/model/stablelm"
)

// inspectSummary is the JSON form of the inspect output.
type inspectSummary struct {
	Quantization string              `json:"quantization"`
	RunID        string              `json:"run_id,omitempty"`
	Config       *stablelm.Config    `json:"config"`
	Params       []stablelm.Param    `json:"params"`
	ParamMap     map[string][]string `json:"param_map"`
	TotalBytes   uint64              `json:"total_bytes"`
}

func inspectCmd() *cli.Command {
	var (
		modelDir     string
		configPath   string
		quantization string
		filter       string
		asJSON       bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the quantized parameter layout of a checkpoint or a converted model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "checkpoint or converted output directory",
				Destination: &modelDir,
			},
			&cli.StringFlag{
				Name:        "hf-config",
				Usage:       "path to a config.json (instead of --model)",
				Destination: &configPath,
			},
			quantizationFlag(&quantization),
			&cli.StringFlag{Name: "filter", Usage: "substring filter for the parameter listing", Destination: &filter},
			&cli.BoolFlag{Name: "json", Usage: "print the layout as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, appConfig, &quantization)

			summary, err := loadSummary(modelDir, configPath, quantization)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			printSummary(summary, filter)
			return nil
		},
	}
}

// loadSummary prefers the manifest of a converted model and otherwise plans
// the layout from a Hugging Face config.
func loadSummary(modelDir, configPath, quantization string) (*inspectSummary, error) {
	if modelDir == "" && configPath == "" {
		return nil, errors.New("inspect: --model or --hf-config is required")
	}
	if modelDir != "" {
		m, err := convert.ReadManifest(modelDir)
		switch {
		case err == nil:
			return &inspectSummary{
				Quantization: m.Quantization,
				RunID:        m.RunID,
				Config:       m.Config,
				Params:       m.Params,
				ParamMap:     m.ParamMap,
				TotalBytes:   totalBytes(m.Params),
			}, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
		if configPath == "" {
			configPath = filepath.Join(modelDir, "config.json")
		}
	}

	cfg, err := stablelm.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	registry, err := appConfig.registry()
	if err != nil {
		return nil, err
	}
	scheme, err := registry.Lookup(quantization)
	if err != nil {
		return nil, err
	}
	plan, err := convert.NewPlan(cfg, scheme)
	if err != nil {
		return nil, err
	}
	return &inspectSummary{
		Quantization: scheme.Info().Name,
		Config:       cfg,
		Params:       plan.Model.Params,
		ParamMap:     plan.Mapping.ParamMap,
		TotalBytes:   totalBytes(plan.Model.Params),
	}, nil
}

func printSummary(s *inspectSummary, filter string) {
	section("Model")
	row("Quantization", s.Quantization)
	row("Run ID", s.RunID)
	if c := s.Config; c != nil {
		rowInt("Vocab size", c.VocabSize)
		rowInt("Hidden size", c.HiddenSize)
		rowInt("Intermediate size", c.IntermediateSize)
		rowInt("Layers", c.NumHiddenLayers)
		rowInt("Attention heads", c.NumAttentionHeads)
		rowInt("KV heads", c.NumKeyValueHeads)
		rowInt("Head dim", c.HeadDim)
		row("Tied embeddings", fmt.Sprintf("%t", c.TieWordEmbeddings))
	}
	rowInt("Parameters", len(s.Params))
	rowInt("Quantized", len(s.ParamMap))
	row("Total size", formatBytes(s.TotalBytes))

	section("Parameters")
	for _, p := range s.Params {
		if filter != "" && !strings.Contains(p.Name, filter) {
			continue
		}
		fmt.Printf("%-52s %-14s %-8s %s\n", p.Name, p.Shape.String(), p.DType, formatBytes(paramBytes(p)))
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func paramBytes(p stablelm.Param) uint64 {
	return uint64(p.Shape.NumElements()) * uint64(p.DType.Bits) / 8
}

func totalBytes(params []stablelm.Param) uint64 {
	var n uint64
	for _, p := range params {
		n += paramBytes(p)
	}
	return n
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
