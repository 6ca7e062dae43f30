package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantpack/internal/convert"
)

func verifyCmd() *cli.Command {
	var (
		modelDir  string
		outDir    string
		asJSON    bool
		tolerance float64
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Dequantize a converted model and compare it with the source checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "source checkpoint directory",
				Destination: &modelDir,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "converted output directory",
				Destination: &outDir,
				Required:    true,
			},
			&cli.Float64Flag{
				Name:        "max-abs-err",
				Usage:       "fail when any element differs by more than this (0 = report only)",
				Destination: &tolerance,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			workersFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, appConfig, nil)

			report, err := convert.Verify(ctx, convert.VerifyOptions{
				ModelDir:  modelDir,
				OutputDir: outDir,
				Workers:   int(workers),
			})
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}

			if tolerance > 0 && report.MaxAbsErr > tolerance {
				return fmt.Errorf("verify: max abs error %g exceeds %g", report.MaxAbsErr, tolerance)
			}
			return nil
		},
	}
}

func printReport(r *convert.Report) {
	section("Verify")
	row("Run ID", r.RunID)
	row("Quantization", r.Quantization)
	row("Tensors", fmt.Sprintf("%d", len(r.Tensors)))
	if len(r.Tensors) == 0 {
		return
	}
	row("Max abs error", fmt.Sprintf("%.6g", r.MaxAbsErr))
	row("RMSE", fmt.Sprintf("%.6g", r.RMSE))

	section("Tensors")
	fmt.Printf("%-48s %12s %14s %14s\n", "name", "elements", "max_abs_err", "rmse")
	for _, t := range r.Tensors {
		fmt.Printf("%-48s %12d %14.6g %14.6g\n", t.Name, t.Elements, t.MaxAbsErr, t.RMSE)
	}
}
