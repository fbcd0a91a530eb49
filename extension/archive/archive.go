// Package archive handles .veb extension packages on disk: hashing the
// exact installed bytes, expanding the tape archive into a
// content-addressed cache, reading the manifest, and garbage-collecting
// stale expansions.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/villagesql/vef/semver"
)

// Suffix is the archive file extension.
const Suffix = ".veb"

// expandedDirName holds the content-addressed expansion cache under the
// base directory.
const expandedDirName = "_expanded"

// LibSuffix returns the platform shared-library suffix.
func LibSuffix() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// Manifest is the parsed manifest.json of an extension package.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Archive is one expanded extension package.
type Archive struct {
	// Name is the extension name the archive was addressed by.
	Name string
	// Path is the archive file path.
	Path string
	// SHA256 is the 64-character lowercase hex fingerprint of the archive
	// bytes.
	SHA256 string
	// Dir is the expansion directory, {base}/_expanded/{name}/{hash}.
	Dir string
	// LibPath is the shared library inside the expansion.
	LibPath string
	// Manifest is the parsed manifest.
	Manifest Manifest
	// Version is the manifest version, parsed.
	Version semver.Version
}

// Store addresses archives under one base directory.
type Store struct {
	fs   afero.Fs
	base string
	log  *zap.Logger
}

// NewStore returns a store over fs rooted at base.
func NewStore(fs afero.Fs, base string, log *zap.Logger) *Store {
	return &Store{fs: fs, base: base, log: log.Named("archive")}
}

// Path returns the archive path for an extension name: {base}/{name}.veb.
func (s *Store) Path(name string) string {
	return filepath.Join(s.base, name+Suffix)
}

// ExpandedDir returns the content-addressed expansion directory.
func (s *Store) ExpandedDir(name, hash string) string {
	return filepath.Join(s.base, expandedDirName, name, hash)
}

// Exists reports whether the archive file for name is present.
func (s *Store) Exists(name string) bool {
	ok, err := afero.Exists(s.fs, s.Path(name))
	return err == nil && ok
}

// Hash computes the SHA-256 of the archive bytes as lowercase hex. This is
// the durable fingerprint recorded in the extensions table.
func (s *Store) Hash(name string) (string, error) {
	f, err := s.fs.Open(s.Path(name))
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", s.Path(name), err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("archive: hash %s: %w", s.Path(name), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Expand hashes the archive, extracts it into the content-addressed cache
// (reusing an existing expansion for the same bytes), and reads the
// manifest. A missing or malformed manifest is a hard failure.
func (s *Store) Expand(name string) (*Archive, error) {
	hash, err := s.Hash(name)
	if err != nil {
		return nil, err
	}
	dir := s.ExpandedDir(name, hash)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		if err := s.extract(name, dir); err != nil {
			return nil, err
		}
	}
	return s.open(name, hash, dir)
}

// Reuse verifies the on-disk archive still hashes to want and opens its
// expansion, extracting it first when the expansion directory is missing.
// Used at startup against the recorded fingerprint.
func (s *Store) Reuse(name, want string) (*Archive, error) {
	hash, err := s.Hash(name)
	if err != nil {
		return nil, err
	}
	if hash != want {
		return nil, fmt.Errorf("archive: %s: hash mismatch: archive is %s, catalog records %s", s.Path(name), hash, want)
	}
	dir := s.ExpandedDir(name, hash)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		if err := s.extract(name, dir); err != nil {
			return nil, err
		}
	}
	return s.open(name, hash, dir)
}

// open reads the manifest of an expanded archive and locates its library.
func (s *Store) open(name, hash, dir string) (*Archive, error) {
	raw, err := afero.ReadFile(s.fs, filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("archive: %s: read manifest: %w", name, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("archive: %s: parse manifest: %w", name, err)
	}
	ver, err := semver.Parse(m.Version)
	if err != nil {
		return nil, fmt.Errorf("archive: %s: manifest version: %w", name, err)
	}
	lib := filepath.Join(dir, "lib", name+LibSuffix())
	if ok, _ := afero.Exists(s.fs, lib); !ok {
		return nil, fmt.Errorf("archive: %s: missing shared library %s", name, lib)
	}
	return &Archive{
		Name:     name,
		Path:     s.Path(name),
		SHA256:   hash,
		Dir:      dir,
		LibPath:  lib,
		Manifest: m,
		Version:  ver,
	}, nil
}

// extract unpacks the uncompressed tape archive into dir. Only regular
// files and directories are accepted; entry paths may not escape dir.
func (s *Store) extract(name, dir string) error {
	f, err := s.fs.Open(s.Path(name))
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", s.Path(name), err)
	}
	defer f.Close()
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: expand %s: %w", name, err)
	}
	tr := tar.NewReader(f)
	libs := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: %s: read tar: %w", name, err)
		}
		clean := path.Clean(hdr.Name)
		if clean == "." {
			continue
		}
		if strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
			return fmt.Errorf("archive: %s: entry %q escapes the expansion directory", name, hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(clean))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := s.fs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: %s: mkdir %s: %w", name, clean, err)
			}
		case tar.TypeReg:
			if strings.HasPrefix(clean, "lib/") {
				libs++
			}
			if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: %s: mkdir for %s: %w", name, clean, err)
			}
			if err := afero.WriteReader(s.fs, target, tr); err != nil {
				return fmt.Errorf("archive: %s: write %s: %w", name, clean, err)
			}
		default:
			return fmt.Errorf("archive: %s: unsupported entry type %d for %q", name, hdr.Typeflag, hdr.Name)
		}
	}
	if libs != 1 {
		return fmt.Errorf("archive: %s: lib/ must contain exactly one shared library, found %d", name, libs)
	}
	return nil
}

// CleanOrphans deletes every expansion whose (name, hash) is not in
// installed, which maps extension name to recorded archive hash. It
// garbage-collects expansions left behind by crashed or rolled-back
// installs.
func (s *Store) CleanOrphans(installed map[string]string) error {
	root := filepath.Join(s.base, expandedDirName)
	names, err := afero.ReadDir(s.fs, root)
	if err != nil {
		// No cache directory yet, nothing to collect.
		return nil
	}
	var g errgroup.Group
	for _, nameInfo := range names {
		if !nameInfo.IsDir() {
			continue
		}
		name := nameInfo.Name()
		hashes, err := afero.ReadDir(s.fs, filepath.Join(root, name))
		if err != nil {
			s.log.Error("cannot scan expansion cache", zap.String("extension", name), zap.Error(err))
			continue
		}
		for _, hashInfo := range hashes {
			hash := hashInfo.Name()
			if want, ok := installed[name]; ok && want == hash {
				continue
			}
			dir := filepath.Join(root, name, hash)
			g.Go(func() error {
				if err := s.fs.RemoveAll(dir); err != nil {
					return fmt.Errorf("archive: remove orphan %s: %w", dir, err)
				}
				s.log.Info("removed orphaned expansion", zap.String("dir", dir))
				return nil
			})
		}
	}
	return g.Wait()
}
