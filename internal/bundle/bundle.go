// Package bundle describes the resource bundle offered to clients: the
// synchronized working copy, its content version and a stable id.
package bundle

import (
	"crypto/sha1" //nolint:gosec // resource pack clients verify SHA-1 digests
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Descriptor identifies a bundle as offered to a client
type Descriptor struct {
	Dir     string    `json:"dir"`
	Version string    `json:"version"`
	ID      uuid.UUID `json:"id"`
}

// HashBytes decodes a hex content version into the raw digest. Versions
// that are not hex (e.g. produced by a custom hash command) yield an error.
func (d Descriptor) HashBytes() ([]byte, error) {
	b, err := hex.DecodeString(d.Version)
	if err != nil {
		return nil, fmt.Errorf("version %q is not a hex digest: %w", d.Version, err)
	}
	return b, nil
}

// StableID derives the bundle id from seed. The same seed always yields
// the same name-based (version 5) UUID.
func StableID(seed string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(seed))
}

// DiscoverFiles finds all files in dir. Hidden files and directories
// (names starting with ".", e.g. .git) are skipped.
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// TreeHash computes a SHA-1 digest over the relative path and content of
// every file DiscoverFiles returns for dir.
func TreeHash(dir string) (string, error) {
	files, err := DiscoverFiles(dir)
	if err != nil {
		return "", fmt.Errorf("failed to discover bundle files: %w", err)
	}

	h := sha1.New() //nolint:gosec
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", fmt.Errorf("failed to compute relative path: %w", err)
		}

		// Separate name and content so ("ab","c") and ("a","bc") differ.
		_, _ = io.WriteString(h, filepath.ToSlash(rel))
		_, _ = h.Write([]byte{0})
		if err := copyFile(h, path); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		_, _ = h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = io.Copy(w, f)
	return err
}
