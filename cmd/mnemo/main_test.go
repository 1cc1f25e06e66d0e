package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/embeddings"
)

func TestExitCodeNilIsZero(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
}

func TestExitCodeValidationErrorsAreArgumentErrors(t *testing.T) {
	for _, err := range []error{
		core.ErrInvalidContent,
		core.ErrContentTooLarge,
		core.ErrInvalidNeuronType,
		core.ErrInvalidQuery,
		core.ErrSelfLink,
		fmt.Errorf("wrapped: %w", core.ErrInvalidQuery),
	} {
		if got := exitCode(err); got != 2 {
			t.Errorf("exitCode(%v) = %d, want 2", err, got)
		}
	}
}

func TestExitCodeEngineErrorIsOne(t *testing.T) {
	if got := exitCode(wrapEngine(errors.New("store exploded"))); got != 1 {
		t.Errorf("exitCode(engineError) = %d, want 1", got)
	}
}

func TestExitCodeUnrecognizedErrorIsArgumentError(t *testing.T) {
	if got := exitCode(errors.New("unknown flag: --bogus")); got != 2 {
		t.Errorf("exitCode(plain error) = %d, want 2", got)
	}
}

func TestWrapEngineNilIsNil(t *testing.T) {
	if wrapEngine(nil) != nil {
		t.Error("expected wrapEngine(nil) to return nil")
	}
}

func TestWrapEngineUnwraps(t *testing.T) {
	inner := errors.New("boom")
	wrapped := wrapEngine(inner)
	if !errors.Is(wrapped, inner) {
		t.Error("expected errors.Is to see through the engineError wrapper")
	}
}

func TestOverridesFromOnlyIncludesChangedFlags(t *testing.T) {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	raw := &rawFlags{
		configPath:     f.StringP("config", "f", "", ""),
		storePath:      f.String("store", "", ""),
		windowSize:     f.Int("window-size", 0, ""),
		tokenBudget:    f.Int("token-budget", 0, ""),
		recallLimit:    f.Int("recall-limit", 0, ""),
		confidenceGate: f.Float64("confidence-gate", 0, ""),
		myelinatedGate: f.Float64("myelinated-gate", 0, ""),
	}
	if err := f.Parse([]string{"--store", "/tmp/mnemo.db"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	o := overridesFrom(f, raw)
	if o.StorePath == nil || *o.StorePath != "/tmp/mnemo.db" {
		t.Errorf("expected StorePath override to be set from --store")
	}
	if o.WindowSize != nil {
		t.Error("expected WindowSize override to stay nil when --window-size was not passed")
	}
	if o.ConfidenceGate != nil {
		t.Error("expected ConfidenceGate override to stay nil when not passed")
	}
}

func TestBuildEmbedderDefaultsToNoop(t *testing.T) {
	s := core.DefaultSettings()
	s.Embeddings.LibraryPath = ""
	p := buildEmbedder(s)
	if _, ok := p.(*embeddings.NoopProvider); !ok {
		t.Errorf("expected a NoopProvider when no library path is configured, got %T", p)
	}
}

func TestBuildEmbedderUsesNativeWhenLibraryPathSet(t *testing.T) {
	s := core.DefaultSettings()
	s.Embeddings.LibraryPath = "/nonexistent/libmnemo_embed.so"
	p := buildEmbedder(s)
	if _, ok := p.(*embeddings.NativeProvider); !ok {
		t.Errorf("expected a NativeProvider when a library path is configured, got %T", p)
	}
	if p.Available() {
		t.Error("expected Available() to be false for a library path that does not exist")
	}
}

func TestReadBootstrapFileParsesNeuronsAndSynapses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entries.json")
	data := `[
		{"path": "/a.go", "type": "file", "firstContext": "seed"},
		{"path": "/a.go", "pathB": "/b.go", "type": "file", "typeB": "file", "weight": 0.4, "coAccessCount": 3}
	]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := readBootstrapFile(path)
	if err != nil {
		t.Fatalf("readBootstrapFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].PathB != "" {
		t.Error("expected the first entry to be a neuron seed with no pathB")
	}
	if entries[1].PathB != "/b.go" || entries[1].Weight != 0.4 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestReadBootstrapFileRejectsMissingFile(t *testing.T) {
	if _, err := readBootstrapFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing bootstrap file")
	}
}

func TestReadBootstrapFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entries.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readBootstrapFile(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
