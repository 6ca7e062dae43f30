package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantpack/internal/convert"
	"github.com/samcharles93/quantpack/internal/logger"
)

func quantizeCmd() *cli.Command {
	var (
		modelDir     string
		outDir       string
		quantization string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a Hugging Face StableLM checkpoint into packed safetensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "checkpoint directory (config.json + *.safetensors)",
				Destination: &modelDir,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default: $QUANTPACK_OUT_DIR or ./out, then <model>-<quantization>)",
				Destination: &outDir,
			},
			quantizationFlag(&quantization),
			workersFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, appConfig, &quantization)
			log := logger.FromContext(ctx)

			registry, err := appConfig.registry()
			if err != nil {
				return err
			}
			out, defaulted, err := resolveOutputDir(modelDir, outDir, quantization)
			if err != nil {
				return err
			}
			if defaulted {
				log.Info("using default output directory", "path", out)
			}

			res, err := convert.Run(ctx, convert.Options{
				ModelDir:     modelDir,
				OutputDir:    out,
				Quantization: quantization,
				Registry:     registry,
				Workers:      int(workers),
			})
			if err != nil {
				return fmt.Errorf("quantize: %w", err)
			}

			fmt.Printf("run id:       %s\n", res.RunID)
			fmt.Printf("quantization: %s\n", res.Quantization)
			fmt.Printf("parameters:   %d (%d quantized)\n", res.Params, res.Quantized)
			fmt.Printf("output:       %s\n", res.OutputDir)
			fmt.Printf("elapsed:      %s\n", res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
}
