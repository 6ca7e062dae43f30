package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envQuantpackOutDir = "QUANTPACK_OUT_DIR"

// resolveOutputDir picks the conversion output directory. An explicit flag
// wins; otherwise it is <out>/<model dir name>-<quantization>, where <out>
// is $QUANTPACK_OUT_DIR or ./out. The bool reports whether it was defaulted.
func resolveOutputDir(modelDir, outFlag, quantization string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		return filepath.Clean(outFlag), false, nil
	}

	base := filepath.Base(filepath.Clean(modelDir))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid model directory: %q", modelDir)
	}

	outDir := strings.TrimSpace(os.Getenv(envQuantpackOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	return filepath.Join(outDir, base+"-"+quantization), true, nil
}
