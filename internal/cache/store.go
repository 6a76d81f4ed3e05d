// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the content-addressed artifact store and the
// cache-key derivation used by the scheduler.
//
// Layout on disk:
//
//	<root>/<job>/<key>.tar.gz
//	<root>/<job>/<key>.meta
//
// Entries are grouped per job name (the key family) so prune operates per
// job. Stores are atomic: the archive is written to a temporary file in the
// same directory, fsynced and renamed, so readers never observe a
// half-written entry. Entries that fail structural checks are quarantined
// with a .corrupt suffix and never served again.
package cache

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
	"golang.org/x/sys/unix"
)

// CorruptEntryError reports an archive that exists but cannot be read.
type CorruptEntryError struct {
	Job   string
	Key   string
	Cause error
}

// Error implements the error interface.
func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s/%s: %v", e.Job, e.Key, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CorruptEntryError) Unwrap() error {
	return e.Cause
}

// Meta is the sidecar record written next to each archive.
type Meta struct {
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Anchor    string    `json:"anchor"`
}

// Store is a filesystem-backed artifact cache.
type Store struct {
	root   string
	logger *slog.Logger

	// mu guards inflight; inflight coalesces same-process stores for one
	// (job, key) so the second store observes the first's entry.
	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: abs, logger: logger, inflight: make(map[string]*sync.Mutex)}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) jobDir(job string) string {
	return filepath.Join(s.root, job)
}

func (s *Store) archivePath(job, key string) string {
	return filepath.Join(s.jobDir(job), key+".tar.gz")
}

func (s *Store) metaPath(job, key string) string {
	return filepath.Join(s.jobDir(job), key+".meta")
}

func (s *Store) entryLock(job, key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := job + "/" + key
	m, ok := s.inflight[id]
	if !ok {
		m = &sync.Mutex{}
		s.inflight[id] = m
	}
	return m
}

// Lookup reports whether a structurally sound entry exists for (job, key).
// A corrupt archive or unparseable meta is quarantined and reported absent;
// an archive whose meta has not been written yet is reported absent.
func (s *Store) Lookup(job, key string) bool {
	archive := s.archivePath(job, key)

	if _, err := os.Stat(archive); err != nil {
		return false
	}
	if _, err := s.readMeta(job, key); err != nil {
		if os.IsNotExist(err) {
			return false
		}
		s.quarantine(job, key, err)
		return false
	}
	if err := checkArchive(archive); err != nil {
		s.quarantine(job, key, err)
		return false
	}
	return true
}

func (s *Store) readMeta(job, key string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(job, key))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkArchive walks every tar header to verify the archive is readable.
func checkArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// quarantine renames a bad entry aside so it neither serves nor reappears.
// Operators delete quarantined entries manually.
func (s *Store) quarantine(job, key string, cause error) {
	s.logger.Warn("quarantining corrupt cache entry",
		slog.String("job", job), slog.String("key", key), slog.Any("error", cause))
	for _, p := range []string{s.archivePath(job, key), s.metaPath(job, key)} {
		if _, err := os.Stat(p); err == nil {
			_ = os.Rename(p, p+".corrupt")
		}
	}
}

// Restore extracts the entry's directory trees under workspace. Returns a
// CorruptEntryError on archive errors; callers treat that as a miss.
func (s *Store) Restore(job, key, workspace string) error {
	f, err := os.Open(s.archivePath(job, key))
	if err != nil {
		return &CorruptEntryError{Job: job, Key: key, Cause: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &CorruptEntryError{Job: job, Key: key, Cause: err}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CorruptEntryError{Job: job, Key: key, Cause: err}
		}

		rel := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return &CorruptEntryError{Job: job, Key: key, Cause: fmt.Errorf("archive escapes workspace: %s", hdr.Name)}
		}
		target := filepath.Join(workspace, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)|0o700); err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode))
			if err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
			if err := out.Close(); err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return &CorruptEntryError{Job: job, Key: key, Cause: err}
			}
		}
	}
}

// StoreDirs captures the listed workspace-relative directories into a new
// entry. Directories that do not exist are recorded as empty placeholders so
// a later restore is total. Same-process stores for one (job, key) coalesce;
// the second store observes the first's entry and skips.
func (s *Store) StoreDirs(job, key, workspace string, dirs []string) error {
	lock := s.entryLock(job, key)
	lock.Lock()
	defer lock.Unlock()

	if s.Lookup(job, key) {
		return nil
	}

	dir := s.jobDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, key+".tmp-*")
	if err != nil {
		return &errors.IOError{Op: "store", Path: dir, Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeArchive(tmp, workspace, dirs, s.root); err != nil {
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

	info, err := os.Stat(tmpName)
	if err != nil {
		return err
	}
	meta := Meta{CreatedAt: time.Now().UTC(), Size: info.Size(), Anchor: "."}
	metaData, err := json.Marshal(&meta)
	if err != nil {
		return err
	}

	// Archive becomes visible first, meta last; Lookup requires both, so a
	// crash between the two renames leaves the entry invisible, not corrupt.
	if err := os.Rename(tmpName, s.archivePath(job, key)); err != nil {
		return &errors.IOError{Op: "store", Path: s.archivePath(job, key), Cause: err}
	}
	metaTmp := s.metaPath(job, key) + ".tmp"
	if err := os.WriteFile(metaTmp, metaData, 0o644); err != nil {
		return &errors.IOError{Op: "store", Path: metaTmp, Cause: err}
	}
	if err := os.Rename(metaTmp, s.metaPath(job, key)); err != nil {
		return &errors.IOError{Op: "store", Path: s.metaPath(job, key), Cause: err}
	}
	return nil
}

// writeArchive streams the directory trees into a gzipped tar with paths
// relative to the workspace anchor. The store's own root is never captured,
// so a job caching "." cannot archive the cache into itself.
func writeArchive(w io.Writer, workspace string, dirs []string, skip string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, d := range dirs {
		base := filepath.Join(workspace, filepath.FromSlash(d))
		rel := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(d)), "/")
		if rel == "." {
			rel = ""
		}

		info, err := os.Lstat(base)
		if os.IsNotExist(err) {
			// Placeholder so restore recreates the (empty) directory.
			name := rel
			if name == "" {
				name = "."
			}
			hdr := &tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: time.Now()}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			if err := addFile(tw, base, rel, info); err != nil {
				return err
			}
			continue
		}

		err = filepath.Walk(base, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if skip != "" && (path == skip || strings.HasPrefix(path, skip+string(filepath.Separator))) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			sub, err := filepath.Rel(workspace, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(sub)
			switch {
			case fi.IsDir():
				hdr := &tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: int64(fi.Mode().Perm()), ModTime: fi.ModTime()}
				return tw.WriteHeader(hdr)
			case fi.Mode()&os.ModeSymlink != 0:
				link, err := os.Readlink(path)
				if err != nil {
					return err
				}
				hdr := &tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: link, Mode: 0o777, ModTime: fi.ModTime()}
				return tw.WriteHeader(hdr)
			case fi.Mode().IsRegular():
				return addFile(tw, path, name, fi)
			default:
				return nil
			}
		})
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Prune keeps the keepLastN newest entries (by created_at) in the job's key
// family and removes the rest. Runs under a per-job advisory file lock so
// concurrent prunes in other processes cannot corrupt the listing.
func (s *Store) Prune(job string, keepLastN int) error {
	if keepLastN < 0 {
		keepLastN = 0
	}
	dir := s.jobDir(job)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	unlock, err := lockDir(dir)
	if err != nil {
		return &errors.IOError{Op: "prune", Path: dir, Cause: err}
	}
	defer unlock()

	type entry struct {
		key     string
		created time.Time
	}
	var entries []entry

	metas, err := filepath.Glob(filepath.Join(dir, "*.meta"))
	if err != nil {
		return err
	}
	for _, mp := range metas {
		key := strings.TrimSuffix(filepath.Base(mp), ".meta")
		m, err := s.readMeta(job, key)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: key, created: m.CreatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.After(entries[j].created)
	})

	for i := keepLastN; i < len(entries); i++ {
		key := entries[i].key
		_ = os.Remove(s.archivePath(job, key))
		_ = os.Remove(s.metaPath(job, key))
		s.logger.Debug("pruned cache entry", slog.String("job", job), slog.String("key", key))
	}
	return nil
}

// lockDir takes an exclusive advisory lock on dir's lock file.
func lockDir(dir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
