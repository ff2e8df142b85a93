package ioutil

import (
	"os"
	"path/filepath"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

// includes file's abs path when an error occurs

func ReadFile(filePath string) ([]byte, error) {
	fullPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bs, err := os.ReadFile(fullPath)
	return bs, errors.WithStack(err)
}
