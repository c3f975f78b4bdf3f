package blobstore

import (
	"bytes"
	"errors"
	"io"
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// byteRange returns the sub-slice [off, off+length) of data clamped to its bounds.
func byteRange(data []byte, off, length int64) io.ReadCloser {
	if off >= int64(len(data)) || off < 0 {
		return io.NopCloser(bytes.NewReader(nil))
	}
	end := off + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[off:end]))
}

func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
