// Package filehash computes deterministic content hashes for streams and
// files.
package filehash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	fileOpenAttempts = 3
	fileOpenBackoff  = 50 * time.Millisecond
)

// Sum returns the hex-encoded SHA-256 of everything read from r.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumBytes returns the hex-encoded SHA-256 of b.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SumFile returns the hex-encoded SHA-256 of the file at path. The open is
// retried a few times with a short backoff: a just-written file may not be
// visible yet when the writer and hasher race on a slow filesystem.
func SumFile(path string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < fileOpenAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(fileOpenBackoff)
		}

		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			continue
		}

		sum, err := Sum(f)

		f.Close()

		if err != nil {
			lastErr = err
			continue
		}

		return sum, nil
	}

	return "", fmt.Errorf("failed to hash file %s: %w", path, lastErr)
}
