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

// Package hasher computes a stable digest over a set of files selected by
// globs. The digest depends only on the matching relative paths and the byte
// content of each file, so it is reproducible across machines and runs.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are always applied on top of the caller's exclude globs.
var DefaultExcludes = []string{
	".git/**",
	"**/__pycache__/**",
}

// Separator bytes absorbed between fields. Length prefixes preclude
// collisions between adjacent fields.
const (
	fileMarker    = 0x00
	symlinkMarker = 0x01
)

// Hash digests the files under root selected by includeGlobs, minus
// excludeGlobs and DefaultExcludes. Files are visited in lexicographic order
// of their slash-separated relative paths. For each regular file the hasher
// absorbs the relative path, a separator, the file length as big-endian
// uint64, and the content. Symlinks are followed only when the target is a
// regular file inside root; otherwise the link path and its textual target
// are absorbed instead. Globs that match nothing contribute nothing.
func Hash(root string, includeGlobs, excludeGlobs []string) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	includes := normalizePatterns(root, includeGlobs)
	excludes := append(append([]string{}, DefaultExcludes...), excludeGlobs...)

	entries, err := enumerate(root, includes, excludes)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, rel := range entries {
		if err := absorb(h, root, rel); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizePatterns converts directory references into recursive globs so
// "src" and "src/" select everything under the directory.
func normalizePatterns(root string, patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		pat = strings.TrimSpace(strings.ReplaceAll(pat, "\\", "/"))
		if pat == "" {
			continue
		}
		pat = strings.TrimSuffix(pat, "/")
		if !strings.ContainsAny(pat, "*?[{") {
			if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(pat))); err == nil && info.IsDir() {
				pat += "/**"
			}
		}
		out = append(out, pat)
	}
	return out
}

// enumerate walks root once and returns the sorted relative paths matching
// any include pattern and no exclude pattern.
func enumerate(root string, includes, excludes []string) ([]string, error) {
	if len(includes) == 0 {
		return nil, nil
	}

	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file disappearing mid-walk is not an input-set change.
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if matchesAny(rel+"/**", excludes) || matchesAny(rel, excludes) {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(rel, includes) || matchesAny(rel, excludes) {
			return nil
		}
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

func matchesAny(rel string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// absorb feeds one entry into the digest.
func absorb(h hash.Hash, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))

	info, err := os.Lstat(full)
	if err != nil {
		// Raced away between walk and hash; treat as absent.
		return nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return err
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(full), resolved)
		}
		resolved = filepath.Clean(resolved)
		if within(root, resolved) {
			if ti, err := os.Stat(resolved); err == nil && ti.Mode().IsRegular() {
				return absorbFile(h, rel, resolved, ti.Size())
			}
		}
		// Out-of-root or dangling link: absorb the link itself.
		h.Write([]byte(rel))
		h.Write([]byte{symlinkMarker})
		writeLen(h, int64(len(target)))
		h.Write([]byte(target))
		return nil
	}

	if !info.Mode().IsRegular() {
		return nil
	}
	return absorbFile(h, rel, full, info.Size())
}

func absorbFile(h hash.Hash, rel, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h.Write([]byte(rel))
	h.Write([]byte{fileMarker})
	writeLen(h, size)
	_, err = io.Copy(h, f)
	return err
}

func writeLen(h hash.Hash, n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

// within reports whether path lies under root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
