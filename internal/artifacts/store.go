// Package artifacts keeps the transient files produced while logging in: the
// latest challenge image and the diagnostics captured when detection fails.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ChallengeFile  = "challenge.png"
	FailureFile    = "failure.png"
	PageSourceFile = "page.html"
)

// ErrUnavailable is returned when a requested artifact has not been written.
var ErrUnavailable = errors.New("artifact not available")

// FileInfo describes one artifact on disk.
type FileInfo struct {
	Name       string    `json:"name"`
	Exists     bool      `json:"exists"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	AgeSeconds float64   `json:"age_seconds,omitempty"`
}

// Store handles artifact persistence under a single directory.
type Store struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) SaveChallenge(png []byte) error {
	return s.write(ChallengeFile, png)
}

// SaveFailure stores the screenshot and markup captured when login detection
// gave up. Either may be empty if capturing it failed.
func (s *Store) SaveFailure(screenshot []byte, html string) error {
	var errs []error
	if len(screenshot) > 0 {
		errs = append(errs, s.write(FailureFile, screenshot))
	}
	if html != "" {
		errs = append(errs, s.write(PageSourceFile, []byte(html)))
	}
	return errors.Join(errs...)
}

// Challenge returns the last challenge written to disk.
func (s *Store) Challenge() ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.dir, ChallengeFile)
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, ErrUnavailable
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(data) == 0 {
		return nil, time.Time{}, ErrUnavailable
	}
	return data, st.ModTime(), nil
}

// Clear removes every known artifact. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{ChallengeFile, FailureFile, PageSourceFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	return nil
}

// Info reports presence, size and age of each artifact.
func (s *Store) Info() []FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]FileInfo, 0, 3)
	for _, name := range []string{ChallengeFile, FailureFile, PageSourceFile} {
		fi := FileInfo{Name: name}
		if st, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			fi.Exists = true
			fi.Size = st.Size()
			fi.ModifiedAt = st.ModTime()
			fi.AgeSeconds = now.Sub(st.ModTime()).Seconds()
		}
		out = append(out, fi)
	}
	return out
}

// Archive writes a tar.gz of the artifact directory to w.
func (s *Store) Archive(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tarWriter, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive artifacts: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// write replaces name atomically so readers never see a partial image.
func (s *Store) write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
