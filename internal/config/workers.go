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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/botvisor/botvisor/internal/worker"
	"gopkg.in/yaml.v3"
)

var ErrNoWorkers = errors.New("no workers configured: set WORKER_URLS or WORKERS_FILE")

// workersFile is the WORKERS_FILE document:
//
//	workers:
//	  - id: eu-1
//	    url: https://eu-1.example.net
type workersFile struct {
	Workers []worker.Worker `yaml:"workers"`
}

// LoadWorkers builds the fixed worker list. The file wins when both are set.
func LoadWorkers(urls, file string) ([]worker.Worker, error) {
	var (
		list []worker.Worker
		err  error
	)
	switch {
	case file != "":
		list, err = parseWorkersFile(file)
	case urls != "":
		list, err = ParseWorkerURLs(urls)
	default:
		return nil, ErrNoWorkers
	}
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNoWorkers
	}

	seen := make(map[string]bool, len(list))
	for _, w := range list {
		if seen[w.ID] {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
		if err := validateWorkerURL(w.URL); err != nil {
			return nil, fmt.Errorf("worker %q: %w", w.ID, err)
		}
	}
	return list, nil
}

// ParseWorkerURLs parses a comma separated list. Each entry is either a URL,
// which doubles as the worker ID, or id=url.
func ParseWorkerURLs(raw string) ([]worker.Worker, error) {
	var list []worker.Worker
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		w := worker.Worker{ID: entry, URL: entry}
		if id, u, ok := strings.Cut(entry, "="); ok && !strings.Contains(id, "://") {
			w = worker.Worker{ID: strings.TrimSpace(id), URL: strings.TrimSpace(u)}
		}
		if w.ID == "" {
			return nil, fmt.Errorf("worker entry %q has empty id", entry)
		}
		list = append(list, w)
	}
	return list, nil
}

func parseWorkersFile(path string) ([]worker.Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workers file: %w", err)
	}

	var doc workersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workers file: %w", err)
	}
	for i, w := range doc.Workers {
		if w.ID == "" {
			doc.Workers[i].ID = w.URL
		}
	}
	return doc.Workers, nil
}

func validateWorkerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
