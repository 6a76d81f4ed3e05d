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

package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestStoreRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()
	writeFile(t, ws, "dist/bin/app", "binary-bytes")
	writeFile(t, ws, "dist/notes.txt", "notes")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "dist", "empty"), 0o755))

	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"dist"}))
	require.True(t, store.Lookup("build", testKey))

	restored := t.TempDir()
	require.NoError(t, store.Restore("build", testKey, restored))

	data, err := os.ReadFile(filepath.Join(restored, "dist", "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(data))

	data, err = os.ReadFile(filepath.Join(restored, "dist", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "notes", string(data))

	info, err := os.Stat(filepath.Join(restored, "dist", "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "empty directories survive the round trip")
}

func TestStoreMissingDirBecomesPlaceholder(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()

	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"does-not-exist"}))
	require.True(t, store.Lookup("build", testKey))

	restored := t.TempDir()
	require.NoError(t, store.Restore("build", testKey, restored))

	info, err := os.Stat(filepath.Join(restored, "does-not-exist"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLookupAbsent(t *testing.T) {
	store := newTestStore(t)
	assert.False(t, store.Lookup("build", testKey))
}

func TestLookupQuarantinesCorruptArchive(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()
	writeFile(t, ws, "out/a", "x")
	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"out"}))

	// Overwrite the archive with junk so the gzip stream is broken.
	archive := filepath.Join(store.Root(), "build", testKey+".tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("not a tarball"), 0o644))

	assert.False(t, store.Lookup("build", testKey))

	_, err := os.Stat(archive + ".corrupt")
	assert.NoError(t, err, "corrupt archive is renamed aside")
	assert.False(t, store.Lookup("build", testKey), "quarantined entry never reappears")
}

func TestLookupQuarantinesBadMeta(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()
	writeFile(t, ws, "out/a", "x")
	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"out"}))

	meta := filepath.Join(store.Root(), "build", testKey+".meta")
	require.NoError(t, os.WriteFile(meta, []byte("{broken"), 0o644))

	assert.False(t, store.Lookup("build", testKey))
}

func TestStoreCoalescesExistingEntry(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()
	writeFile(t, ws, "out/a", "first")
	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"out"}))

	// A second store with different content observes the entry and skips.
	writeFile(t, ws, "out/a", "second")
	require.NoError(t, store.StoreDirs("build", testKey, ws, []string{"out"}))

	restored := t.TempDir()
	require.NoError(t, store.Restore("build", testKey, restored))
	data, err := os.ReadFile(filepath.Join(restored, "out", "a"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestPruneKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ws := t.TempDir()
	writeFile(t, ws, "out/a", "x")

	keys := []string{
		strings.Repeat("a", 64),
		strings.Repeat("b", 64),
		strings.Repeat("c", 64),
		strings.Repeat("d", 64),
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i, key := range keys {
		require.NoError(t, store.StoreDirs("build", key, ws, []string{"out"}))
		// Backdate created_at so ordering is unambiguous.
		meta := Meta{CreatedAt: base.Add(time.Duration(i) * time.Minute), Size: 1, Anchor: "."}
		data, err := json.Marshal(&meta)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "build", key+".meta"), data, 0o644))
	}

	require.NoError(t, store.Prune("build", 2))

	var remaining []string
	for _, key := range keys {
		if store.Lookup("build", key) {
			remaining = append(remaining, key)
		}
	}
	assert.Equal(t, []string{keys[2], keys[3]}, remaining, "the two newest entries survive")
}

func TestPruneMissingJobDirIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Prune("never-stored", 3))
}

func TestRestoreCorruptEntry(t *testing.T) {
	store := newTestStore(t)
	dir := filepath.Join(store.Root(), "build")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, testKey+".tar.gz"), []byte("junk"), 0o644))

	err := store.Restore("build", testKey, t.TempDir())
	require.Error(t, err)

	var corrupt *CorruptEntryError
	assert.ErrorAs(t, err, &corrupt)
}
