//go:build !windows

package embeddings

import "github.com/ebitengine/purego"

func dlopenLibrary(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}
