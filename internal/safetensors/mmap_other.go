//go:build !unix

package safetensors

import (
	"errors"
	"os"
)

func mmapFile(*os.File, int) ([]byte, error) {
	return nil, errors.New("mmap unsupported")
}

func munmap([]byte) error { return nil }
