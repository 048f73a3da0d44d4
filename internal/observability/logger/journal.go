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

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// DefaultJournalSize is used when Config.JournalSize is not positive
const DefaultJournalSize = 500

// Journal is a slog handler keeping the most recent records as text lines.
// It backs the operator log dump.
type Journal struct {
	ring  *journalRing
	inner slog.Handler
	buf   *bytes.Buffer
	mu    *sync.Mutex
}

type journalRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func (r *journalRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *journalRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// NewJournal creates a journal retaining up to size records at or above level
func NewJournal(size int, level slog.Level) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	buf := &bytes.Buffer{}
	return &Journal{
		ring:  &journalRing{lines: make([]string, size)},
		inner: slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}),
		buf:   buf,
		mu:    &sync.Mutex{},
	}
}

func (j *Journal) Enabled(ctx context.Context, level slog.Level) bool {
	return j.inner.Enabled(ctx, level)
}

func (j *Journal) Handle(ctx context.Context, r slog.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.buf.Reset()
	if err := j.inner.Handle(ctx, r); err != nil {
		return err
	}
	j.ring.add(strings.TrimRight(j.buf.String(), "\n"))
	return nil
}

func (j *Journal) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Journal{ring: j.ring, inner: j.inner.WithAttrs(attrs), buf: j.buf, mu: j.mu}
}

func (j *Journal) WithGroup(name string) slog.Handler {
	return &Journal{ring: j.ring, inner: j.inner.WithGroup(name), buf: j.buf, mu: j.mu}
}

// Lines returns retained records, oldest first
func (j *Journal) Lines() []string {
	return j.ring.snapshot()
}

// Dump returns retained records joined by newlines
func (j *Journal) Dump() string {
	lines := j.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
