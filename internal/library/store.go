package library

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

type Path struct {
	Path     string
	Filename string
}

func (p Path) FullPath() string {
	return filepath.Join(p.Path, p.Filename)
}

// Store keeps asset bytes under their content identity (hex blake2b-256).
// The identity is split into a directory tree so no single directory ends up
// with every file in it.
type Store struct {
	RootDir string
}

func NewStore(rootDir string) *Store {
	return &Store{
		RootDir: rootDir,
	}
}

func (s *Store) PathFor(identity string) (Path, error) {
	if len(identity) != 2*blake2b.Size256 {
		return Path{}, fmt.Errorf("invalid identity %q", identity)
	}
	if _, err := hex.DecodeString(identity); err != nil {
		return Path{}, fmt.Errorf("invalid identity %q: %w", identity, err)
	}
	return Path{
		Path:     filepath.Join(s.RootDir, identity[0:8], identity[8:16], identity[16:24], identity[24:32]),
		Filename: identity,
	}, nil
}

// Put streams r into the store and returns the identity of what it wrote.
// Writing the same bytes twice is a no-op the second time.
func (s *Store) Put(r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.RootDir, 0755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(s.RootDir, "incoming-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}

	identity := hex.EncodeToString(h.Sum(nil))
	p, err := s.PathFor(identity)
	if err != nil {
		return "", 0, err
	}
	if s.Has(identity) {
		return identity, n, nil
	}
	if err := os.MkdirAll(p.Path, 0755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), p.FullPath()); err != nil {
		return "", 0, err
	}
	return identity, n, nil
}

// Open retrieves a stream for the given identity.
func (s *Store) Open(identity string) (int64, io.ReadCloser, error) {
	p, err := s.PathFor(identity)
	if err != nil {
		return 0, nil, err
	}
	file, err := os.Open(p.FullPath())
	if err != nil {
		return 0, nil, err
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, nil, err
	}
	return fi.Size(), file, nil
}

func (s *Store) ReadAll(identity string) ([]byte, error) {
	_, r, err := s.Open(identity)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) Delete(identity string) error {
	p, err := s.PathFor(identity)
	if err != nil {
		return err
	}
	return os.Remove(p.FullPath())
}

func (s *Store) Has(identity string) bool {
	p, err := s.PathFor(identity)
	if err != nil {
		return false
	}
	_, err = os.Stat(p.FullPath())
	return err == nil
}

func (s *Store) Wipe() error {
	return os.RemoveAll(s.RootDir)
}
