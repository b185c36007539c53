package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"debguard/internal/task"
)

// hashChunkSize is the read size per iteration; cancellation is checked
// between chunks.
const hashChunkSize = 4096

// FileDigest computes the SHA-256 digest of the file at path, streaming in
// chunks and emitting hash progress events. It returns task.ErrCancelled
// if the owning task is stopped mid-hash.
func FileDigest(ctl *task.Ctl, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var read int64
	lastPercent := -1

	for {
		if ctl != nil && ctl.Stopped() {
			return "", task.ErrCancelled
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
			if ctl != nil && size > 0 {
				percent := int(read * 100 / size)
				if percent != lastPercent {
					ctl.Emit(task.Event{Type: task.EventHashProgress, Percent: percent})
					lastPercent = percent
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
