package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ebitengine/purego"
)

// ErrLibraryNotFound is returned when no mnemo_embed shared library can be
// located. Callers treat this as "no embedding model available" rather
// than a fatal error.
var ErrLibraryNotFound = errors.New("mnemo_embed shared library not found")

// nativeSymbols is a model-agnostic "load a sentence-embedding model,
// return fixed-width vectors" contract.
type nativeSymbols struct {
	loadModel func(path string, nGPULayers uint32) uintptr
	freeModel func(model uintptr)
	embedSize func(model uintptr) int32
	embedText func(model uintptr, text string, out []float32, outTokens *uint32) int
}

// NativeProvider loads an external shared library exporting a small
// embedding ABI (load_model/embed_size/embed_text/free_model) via
// purego's dlopen binding. If the library cannot be located,
// NewNativeProvider still returns a Provider — just one whose Available()
// reports false, so the engine degrades gracefully instead of failing
// construction.
type NativeProvider struct {
	mu      sync.Mutex
	symbols nativeSymbols
	model   uintptr
	dim     int
	libErr  error
	ctxSize uint32
}

// NewNativeProvider attempts to locate and load the configured embedding
// library. modelPath is the model file passed to load_model; libraryPath,
// if set, is tried before the default search directories.
func NewNativeProvider(libraryPath, modelPath string, ctxSize uint32) *NativeProvider {
	p := &NativeProvider{ctxSize: ctxSize}
	if ctxSize == 0 {
		p.ctxSize = 512
	}

	libPath := libraryPath
	var err error
	if libPath == "" {
		libPath, err = findEmbedLibrary()
	} else if _, statErr := os.Stat(libPath); statErr != nil {
		err = fmt.Errorf("configured embedding library not found at %s: %w", libPath, statErr)
	}
	if err != nil {
		p.libErr = err
		return p
	}

	handle, err := dlopenLibrary(libPath)
	if err != nil {
		p.libErr = fmt.Errorf("load embedding library: %w", err)
		return p
	}

	purego.RegisterLibFunc(&p.symbols.loadModel, handle, "load_model")
	purego.RegisterLibFunc(&p.symbols.freeModel, handle, "free_model")
	purego.RegisterLibFunc(&p.symbols.embedSize, handle, "embed_size")
	purego.RegisterLibFunc(&p.symbols.embedText, handle, "embed_text")

	if modelPath == "" {
		p.libErr = fmt.Errorf("embedding library loaded but no model path configured")
		return p
	}

	model := p.symbols.loadModel(modelPath, 0)
	if model == 0 {
		p.libErr = fmt.Errorf("failed to load embedding model %s", modelPath)
		return p
	}
	p.model = model
	p.dim = int(p.symbols.embedSize(model))
	return p
}

// Available reports whether a model is loaded and ready to embed.
func (p *NativeProvider) Available() bool {
	return p.libErr == nil && p.model != 0
}

// Dimension returns the model's native embedding width, or 0 if
// unavailable.
func (p *NativeProvider) Dimension() int {
	return p.dim
}

// Embed runs a single text through the model, chunking and averaging for
// inputs that exceed half the model's context window (teacher's
// long-text handling, vectorizer.go's embedChunked).
func (p *NativeProvider) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	if !p.Available() {
		return nil, false, nil
	}
	v, err := embedWithChunking(ctx, p.embedRaw, p.dim, int(p.ctxSize)/2, text)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *NativeProvider) embedRaw(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]float32, p.dim)
	var tokens uint32
	rc := p.symbols.embedText(p.model, text, out, &tokens)
	if rc != 0 {
		return nil, fmt.Errorf("embed_text failed (rc=%d, tokens=%d)", rc, tokens)
	}
	return out, nil
}

// Close releases the loaded model.
func (p *NativeProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != 0 && p.symbols.freeModel != nil {
		p.symbols.freeModel(p.model)
		p.model = 0
	}
}

func libraryFileName() string {
	switch runtime.GOOS {
	case "windows":
		return "mnemo_embed.dll"
	case "darwin":
		return "libmnemo_embed.dylib"
	default:
		return "libmnemo_embed.so"
	}
}

func findEmbedLibrary() (string, error) {
	name := libraryFileName()
	dirs := []string{"/usr/lib", "/usr/local/lib"}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	for _, envKey := range []string{"LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH"} {
		if v := os.Getenv(envKey); v != "" {
			dirs = append(dirs, strings.Split(v, ":")...)
		}
	}

	var checked []string
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		checked = append(checked, path)
	}
	return "", fmt.Errorf("%w: checked %s", ErrLibraryNotFound, strings.Join(checked, ", "))
}
