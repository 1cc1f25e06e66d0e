//go:build windows

package embeddings

import "syscall"

func dlopenLibrary(path string) (uintptr, error) {
	h, err := syscall.LoadLibrary(path)
	return uintptr(h), err
}
