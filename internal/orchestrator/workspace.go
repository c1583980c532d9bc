// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toeirei/stagehand/internal/security"
)

const (
	keyFilePrefix  = "stagehand-key-"
	runDirPrefix   = "run-"
	playbookFile   = "playbook.yml"
	inventoryFile  = "inventory.yml"
	keyFileMode    = 0o600
	scratchDirMode = 0o700
)

// Workspace owns the scratch directories and temporary key files of runs.
type Workspace struct {
	root   string
	keyDir string
}

// NewWorkspace ensures both roots exist.
func NewWorkspace(root, keyDir string) (*Workspace, error) {
	if root == "" || keyDir == "" {
		return nil, fmt.Errorf("workspace root and key dir cannot be empty")
	}
	for _, dir := range []string{root, keyDir} {
		if err := os.MkdirAll(dir, scratchDirMode); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Workspace{root: root, keyDir: keyDir}, nil
}

// RunDir is the scratch area of a single run. Cleanup is idempotent.
type RunDir struct {
	ws   *Workspace
	Path string

	mu   sync.Mutex
	keys []string
}

// Prepare creates a fresh scratch directory for runID.
func (w *Workspace) Prepare(runID string) (*RunDir, error) {
	if runID == "" {
		return nil, fmt.Errorf("workspace identifier cannot be empty")
	}
	dir, err := os.MkdirTemp(w.root, runDirPrefix+sanitize(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &RunDir{ws: w, Path: dir}, nil
}

// WriteFile writes content to name inside the scratch directory.
func (d *RunDir) WriteFile(name string, content []byte) (string, error) {
	p := filepath.Join(d.Path, name)
	if err := os.WriteFile(p, content, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return p, nil
}

// WriteKey stores key in a new owner-only file under the key directory.
func (d *RunDir) WriteKey(key security.Secret) (string, error) {
	f, err := os.CreateTemp(d.ws.keyDir, keyFilePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	path := f.Name()
	d.mu.Lock()
	d.keys = append(d.keys, path)
	d.mu.Unlock()

	if err := f.Chmod(keyFileMode); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		_ = f.Close()
		return "", fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write key file: %w", err)
	}
	// ssh refuses keys without a trailing newline.
	if len(key) > 0 && key[len(key)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write key file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close key file: %w", err)
	}
	return path, nil
}

// KeyFiles returns the key files written so far.
func (d *RunDir) KeyFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

// Cleanup removes every key file and the scratch directory. All removals
// are attempted; the errors are joined.
func (d *RunDir) Cleanup() error {
	d.mu.Lock()
	keys := d.keys
	d.keys = nil
	d.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := os.Remove(k); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := d.ws.removeScratch(d.Path); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *Workspace) removeScratch(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// SweepKeys removes key files older than maxAge that were left behind by
// crashed runs. It returns how many were removed.
func (w *Workspace) SweepKeys(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(w.keyDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), keyFilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(w.keyDir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
