package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOutputDir(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		outDir := filepath.Join(t.TempDir(), "nested", "out")

		got, defaulted, err := resolveOutputDir(t.TempDir(), outDir+"/", "q4f16_1")
		if err != nil {
			t.Fatalf("resolveOutputDir returned error: %v", err)
		}
		if defaulted {
			t.Fatalf("expected explicit output to not be defaulted")
		}
		if got != filepath.Clean(outDir) {
			t.Fatalf("unexpected output path: got %q want %q", got, filepath.Clean(outDir))
		}
	})

	t.Run("env output dir overrides default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "quant-out")
		t.Setenv(envQuantpackOutDir, envDir)

		inDir := filepath.Join(t.TempDir(), "stablelm-2-1_6b")
		got, defaulted, err := resolveOutputDir(inDir, "", "q4f16_1")
		if err != nil {
			t.Fatalf("resolveOutputDir returned error: %v", err)
		}
		if !defaulted {
			t.Fatalf("expected output to be defaulted")
		}
		want := filepath.Join(envDir, "stablelm-2-1_6b-q4f16_1")
		if got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("default output dir is ./out", func(t *testing.T) {
		t.Setenv(envQuantpackOutDir, "")

		got, defaulted, err := resolveOutputDir(filepath.Join(t.TempDir(), "ModelB")+"/", "", "q3f16_0")
		if err != nil {
			t.Fatalf("resolveOutputDir returned error: %v", err)
		}
		if !defaulted {
			t.Fatalf("expected output to be defaulted")
		}
		want := filepath.Join(".", "out", "ModelB-q3f16_0")
		if got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("root model dir is rejected", func(t *testing.T) {
		if _, _, err := resolveOutputDir(string(os.PathSeparator), "", "q4f16_1"); err == nil {
			t.Fatalf("expected error for root model directory")
		}
	})
}
