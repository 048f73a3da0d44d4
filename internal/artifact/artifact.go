// Copyright 2026 The Botvisor Authors
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

package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound = errors.New("artifact not found")
)

// EntrypointKind identifies how an artifact is launched
type EntrypointKind string

const (
	KindNode    EntrypointKind = "node"
	KindPython  EntrypointKind = "python"
	KindUnknown EntrypointKind = "unknown"
)

// Entry files, in detection precedence order.
const (
	NodeEntryFile   = "index.js"
	PythonEntryFile = "main.py"
)

// EntryFile returns the file launched for the kind.
func (k EntrypointKind) EntryFile() string {
	switch k {
	case KindNode:
		return NodeEntryFile
	case KindPython:
		return PythonEntryFile
	default:
		return ""
	}
}

// Artifact is the unpacked bundle directory owned by a tenant
type Artifact struct {
	TenantID   string         `json:"tenant_id"`
	Path       string         `json:"path"`
	Kind       EntrypointKind `json:"kind"`
	UploadedAt time.Time      `json:"uploaded_at"`
}

// RemovalError reports that the artifact directory could not be deleted.
type RemovalError struct {
	Path string
	Err  error
}

func (e *RemovalError) Error() string {
	return fmt.Sprintf("failed to remove artifact %s: %v", e.Path, e.Err)
}

func (e *RemovalError) Unwrap() error {
	return e.Err
}

// DetectKind inspects dir for a known entry file. index.js wins over main.py.
func DetectKind(dir string) EntrypointKind {
	for _, kind := range []EntrypointKind{KindNode, KindPython} {
		info, err := os.Stat(filepath.Join(dir, kind.EntryFile()))
		if err == nil && !info.IsDir() {
			return kind
		}
	}
	return KindUnknown
}
