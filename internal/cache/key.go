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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/tombee/foreman/pkg/workflow"
)

// keySchemaVersion is bumped whenever the canonical serialization changes,
// invalidating all previously derived keys.
const keySchemaVersion = "foreman-key-v1"

// absentSentinel stands in for the version of a required tool that the
// resolver cannot find. The tool still participates in the key so that
// installing it later produces a different key.
const absentSentinel = "<absent>"

// ToolVersions resolves the version string of an external tool. Results must
// be stable within one run.
type ToolVersions interface {
	// Version returns the tool's version string and true, or "" and false
	// when the tool cannot be found.
	Version(tool string) (string, bool)
}

// DeriveKey combines the job's identity, its step descriptors, environment,
// required tool versions and the input digest into the cache key. Every
// field is length-prefixed so distinct field sequences can never collide by
// concatenation.
func DeriveKey(job *workflow.Job, tools ToolVersions, inputDigest string) string {
	h := sha256.New()

	writeField(h, keySchemaVersion)
	writeField(h, job.Name)

	for i := range job.Steps {
		s := &job.Steps[i]
		writeField(h, s.Name)
		writeField(h, string(s.Kind))
		writeField(h, s.Command)
		dir := s.Dir
		if dir == "" {
			dir = "."
		}
		writeField(h, dir)
		for _, k := range sortedKeys(s.Options) {
			writeField(h, k)
			writeField(h, s.Options[k])
		}
	}

	for _, k := range sortedKeys(job.Env) {
		writeField(h, k)
		writeField(h, job.Env[k])
	}

	requires := append([]string{}, job.Requires...)
	sort.Strings(requires)
	for _, tool := range requires {
		version, ok := tools.Version(tool)
		if !ok {
			version = absentSentinel
		}
		writeField(h, tool)
		writeField(h, version)
	}

	writeField(h, inputDigest)

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	h.Write(buf[:])
	h.Write([]byte(s))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
