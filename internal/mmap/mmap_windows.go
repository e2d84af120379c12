//go:build windows

package mmap

import (
	"io"
	"os"
)

// Windows fallback reads the file into memory instead of mapping it.
func mmap(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmap(_ []byte) error {
	return nil
}
