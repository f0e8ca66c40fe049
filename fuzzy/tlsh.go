package fuzzy

import (
	"bufio"
	"fmt"
	"os"

	"github.com/glaslos/tlsh"
)

// tlshMinBytes is the smallest input TLSH produces a digest for.
const tlshMinBytes = 50

// TLSHHasher attaches locality-sensitive digests to damage reports so
// operators can judge how far a corrupted file drifted from its backup.
type TLSHHasher struct{}

func (h TLSHHasher) Name() string {
	return "tlsh"
}

func (h TLSHHasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() < tlshMinBytes {
		return "", fmt.Errorf("file %s too small for tlsh (%d bytes)", path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash, err := tlsh.HashReader(bufio.NewReader(f))
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func init() {
	Register(TLSHHasher{})
}
