package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantpack/pkg/quant"
)

func presetsCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:    "presets",
		Aliases: []string{"ls"},
		Usage:   "List quantization presets",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print full preset definitions as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			registry, err := appConfig.registry()
			if err != nil {
				return err
			}
			schemes := registry.Schemes()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(schemes)
			}

			fmt.Printf("%-12s %-12s %-6s %-12s %-6s %-6s %s\n", "NAME", "KIND", "MODEL", "QUANTIZE", "GROUP", "LAYOUT", "FT")
			for _, s := range schemes {
				switch q := s.(type) {
				case *quant.GroupQuantize:
					fmt.Printf("%-12s %-12s %-6s %-12s %-6d %-6s %t\n",
						q.Name, q.Kind, q.ModelDType, q.QuantizeDType, q.GroupSize, q.LinearWeightLayout, q.FTReorder)
				default:
					info := s.Info()
					fmt.Printf("%-12s %-12s %-6s %-12s %-6s %-6s %s\n", info.Name, info.Kind, info.ModelDType, "-", "-", "-", "-")
				}
			}
			return nil
		},
	}
}
