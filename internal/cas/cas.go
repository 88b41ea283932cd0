// Package cas stores immutable documents under their sha256 digest. Terms
// snapshots and deliverable payloads are written here so the reference held
// in the database can never drift from the bytes it names.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

// Put writes content and returns its ref ("sha256:<hex>"). Writing the same
// bytes twice returns the same ref and leaves the first file untouched.
func (s *Store) Put(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(s.Dir, digest[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, digest)
	if _, err := os.Stat(path); err == nil {
		return "sha256:" + digest, nil
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return "sha256:" + digest, nil
}

func (s *Store) Get(ref string) ([]byte, error) {
	digest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(digest) != 64 {
		return nil, fmt.Errorf("malformed content ref %q", ref)
	}
	content, err := os.ReadFile(filepath.Join(s.Dir, digest[:2], digest))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, fmt.Errorf("content store corruption for %s", ref)
	}
	return content, nil
}
