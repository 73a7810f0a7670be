package state

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultTailLines = 25
	DefaultTailBytes = 2 << 20

	tailChunk = 16 << 10
)

// TailLines returns the last n lines of a log file. The file is read
// backwards in chunks and never more than maxBytes from its end; a line cut
// by that limit is dropped.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	size := info.Size()
	floor := max(size-maxBytes, 0)

	var buf []byte
	offset := size
	for offset > floor && bytes.Count(buf, []byte{'\n'}) <= n {
		chunk := min(int64(tailChunk), offset-floor)
		offset -= chunk
		b := make([]byte, chunk)
		if _, err := f.ReadAt(b, offset); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		buf = append(b, buf...)
	}

	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if offset > 0 && !precededByNewline(f, offset) {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func precededByNewline(f *os.File, offset int64) bool {
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset-1); err != nil {
		return false
	}
	return b[0] == '\n'
}
