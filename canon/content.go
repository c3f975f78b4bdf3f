package canon

import (
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/hupe1980/bitharbor/model"
)

// HashContent returns the content hash of data.
func HashContent(data []byte) model.ContentHash {
	return model.ContentHash(blake3.Sum256(data))
}

// HashReader streams r through BLAKE3 and returns the content hash and the
// number of bytes read.
func HashReader(r io.Reader) (model.ContentHash, int64, error) {
	h := blake3.New(model.HashSize, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return model.ContentHash{}, n, err
	}
	var out model.ContentHash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// HashFile returns the content hash of the file at path.
func HashFile(path string) (model.ContentHash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ContentHash{}, 0, err
	}
	defer f.Close()
	h, n, err := HashReader(f)
	if err != nil {
		return h, n, fmt.Errorf("hash %s: %w", path, err)
	}
	return h, n, nil
}
