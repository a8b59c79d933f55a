package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileRegistry is a single-file JSON-backed Registry, intended for
// single-controller use (spec.md §4.1 "Local file backend"). Every
// operation loads, mutates and writes back the whole file under one
// process-local mutex, exactly like the teacher's config.Save pattern.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

type fileDocument struct {
	Jobs map[string]*Record `json:"jobs"`
}

// NewFileRegistry creates a file-backed registry rooted at path. The parent
// directory is created if missing; the file itself is created lazily on
// first write.
func NewFileRegistry(path string) (*FileRegistry, error) {
	if path == "" {
		return nil, fmt.Errorf("registry: file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("registry: failed to create data directory: %w", err)
	}
	return &FileRegistry{path: path}, nil
}

func (f *FileRegistry) load() (*fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &fileDocument{Jobs: make(map[string]*Record)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to read file: %w", err)
	}
	if len(data) == 0 {
		return &fileDocument{Jobs: make(map[string]*Record)}, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: failed to parse file: %w", err)
	}
	if doc.Jobs == nil {
		doc.Jobs = make(map[string]*Record)
	}
	return &doc, nil
}

func (f *FileRegistry) save(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: failed to marshal file: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("registry: failed to write file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: failed to rename file: %w", err)
	}
	return nil
}

func (f *FileRegistry) Get(_ context.Context, jobID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	r, ok := doc.Jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (f *FileRegistry) Create(_ context.Context, jobID string, attrs Attrs) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	if _, exists := doc.Jobs[jobID]; exists {
		return nil, ErrAlreadyExists
	}

	r := &Record{
		JobID:       jobID,
		State:       StateRunning,
		Version:     0,
		LastUpdated: time.Now().UTC(),
	}
	mergeAttrs(r, attrs)

	doc.Jobs[jobID] = r
	if err := f.save(doc); err != nil {
		return nil, err
	}
	return copyRecord(r), nil
}

func (f *FileRegistry) Update(_ context.Context, jobID string, state State, expectedVersion *int64, attrs Attrs) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	r, ok := doc.Jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if expectedVersion != nil && r.Version != *expectedVersion {
		return nil, ErrConcurrencyConflict
	}

	r.State = state
	mergeAttrs(r, attrs)
	r.Version++
	r.LastUpdated = time.Now().UTC()

	if err := f.save(doc); err != nil {
		return nil, err
	}
	return copyRecord(r), nil
}

func (f *FileRegistry) ListByState(_ context.Context, state State) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0)
	for _, r := range doc.Jobs {
		if r.State == state {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (f *FileRegistry) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.load()
	return err
}
