package file

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// functionDirName derives a filesystem-safe, collision-resistant
// subdirectory name from a function identity string: a short sanitized
// prefix (for grep-ability) plus the hex xxhash of the full identity
// (for disjointness — two functions with the same short name but
// different enclosing qualification never collide).
func functionDirName(funcID string) string {
	sum := xxhash.Sum64String(funcID)
	short := funcID
	if idx := strings.LastIndexByte(short, '.'); idx >= 0 && idx+1 < len(short) {
		short = short[idx+1:]
	}
	short = unsafeChars.ReplaceAllString(short, "_")
	if len(short) > 40 {
		short = short[:40]
	}
	return short + "-" + hex.EncodeToString(encodeUint64(sum))
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// entryFileName is the filename of a per-entry data file: the hex
// encoding of the fingerprint key.
func entryFileName(key string) string {
	return hex.EncodeToString([]byte(key))
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func lockPathFor(dataPath string) string {
	return dataPath + ".lock"
}

// atomicWrite writes data to path by writing a temp file in the same
// directory, fsyncing, then renaming over the target — so a reader
// never observes a torn write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
