// Package fingerprint computes content digests for tracked files.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
)

// Value is a hex-encoded content digest, or NeverSynced.
type Value string

// NeverSynced marks a file that has not been transferred yet. It is also
// what Of returns for a file that does not exist locally.
const NeverSynced Value = "0"

// IsNeverSynced reports whether v is the sentinel value.
func (v Value) IsNeverSynced() bool {
	return v == NeverSynced || v == ""
}

func (v Value) String() string {
	return string(v)
}

// Of returns the MD5 digest of the file at path. A missing file yields
// NeverSynced without an error.
func Of(fsys billy.Filesystem, path string) (Value, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NeverSynced, nil
		}
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return FromReader(f)
}

// FromReader digests everything read from r.
func FromReader(r io.Reader) (Value, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return Value(hex.EncodeToString(h.Sum(nil))), nil
}
