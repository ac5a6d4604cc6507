package tactile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeloop/internal/logging"
)

// FileAuditEvent represents an audit event for a materialized file.
type FileAuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	RunID     string    `json:"run_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	OldHash   string    `json:"old_hash,omitempty"`
	NewHash   string    `json:"new_hash,omitempty"`
	Bytes     int       `json:"bytes"`
}

// FileResult represents the result of a materialization.
type FileResult struct {
	Success   bool   `json:"success" yaml:"success"`
	Path      string `json:"path" yaml:"path"`
	OldHash   string `json:"old_hash,omitempty" yaml:"old_hash,omitempty"`
	NewHash   string `json:"new_hash,omitempty" yaml:"new_hash,omitempty"`
	Bytes     int    `json:"bytes" yaml:"bytes"`
	LineCount int    `json:"line_count" yaml:"line_count"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Materializer writes artifacts to disk. Every write goes through a temp
// file in the target directory and a rename, so a reader sees either the
// old content or the new content in full.
type Materializer struct {
	mu sync.RWMutex

	auditCallback func(FileAuditEvent)
	runID         string

	// root for relative paths
	root string
}

// NewMaterializer creates a Materializer rooted at the current directory.
func NewMaterializer() *Materializer {
	return &Materializer{root: "."}
}

// SetAuditCallback sets the callback for file audit events.
func (m *Materializer) SetAuditCallback(callback func(FileAuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditCallback = callback
}

// SetRoot sets the directory relative paths resolve against.
func (m *Materializer) SetRoot(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = dir
}

// SetRunID tags audit events with the pipeline run ID.
func (m *Materializer) SetRunID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = id
}

func (m *Materializer) emitAudit(event FileAuditEvent) {
	m.mu.RLock()
	cb := m.auditCallback
	event.RunID = m.runID
	m.mu.RUnlock()

	if cb != nil {
		event.Timestamp = time.Now()
		cb(event)
	}
}

// Resolve returns path resolved against the root.
func (m *Materializer) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	m.mu.RLock()
	root := m.root
	m.mu.RUnlock()
	return filepath.Join(root, path)
}

func computeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Write replaces the file at path with content, creating parent
// directories as needed. On failure the previous file, if any, is intact.
func (m *Materializer) Write(path, content string) (*FileResult, error) {
	absPath := m.Resolve(path)
	result := &FileResult{Path: absPath}

	var oldHash string
	if old, err := os.ReadFile(absPath); err == nil {
		oldHash = computeHash(old)
	}

	if err := writeAtomic(absPath, []byte(content)); err != nil {
		logging.TactileError("Materialize failed: %s - %v", absPath, err)
		result.Error = err.Error()
		m.emitAudit(FileAuditEvent{Path: absPath, Error: result.Error, OldHash: oldHash})
		return result, err
	}

	result.Success = true
	result.OldHash = oldHash
	result.NewHash = computeHash([]byte(content))
	result.Bytes = len(content)
	result.LineCount = countLines(content)
	m.emitAudit(FileAuditEvent{
		Path:    absPath,
		Success: true,
		OldHash: oldHash,
		NewHash: result.NewHash,
		Bytes:   result.Bytes,
	})

	if oldHash == result.NewHash {
		logging.TactileDebug("Materialized %s (unchanged)", absPath)
	} else {
		logging.Tactile("Materialized %s (%d lines)", absPath, result.LineCount)
	}
	return result, nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
