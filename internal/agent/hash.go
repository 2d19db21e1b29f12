package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const hashBufferSize = 4 << 20

// HashFile returns the hex SHA-256 of the file at path and the number of
// bytes read. It stops between reads once ctx is cancelled.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufferSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return "", n, err
		}
		read, err := f.Read(buf)
		if read > 0 {
			h.Write(buf[:read])
			n += int64(read)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", n, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
