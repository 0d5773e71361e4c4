package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Transient areas. context holds long-lived inputs, working holds
// in-progress state, scratch is disposable.
const (
	AreaContext = "context"
	AreaWorking = "working"
	AreaScratch = "scratch"
)

var transientAreas = []string{AreaContext, AreaWorking, AreaScratch}

func validArea(area string) bool {
	for _, a := range transientAreas {
		if a == area {
			return true
		}
	}
	return false
}

func (s *Store) transientPath(executionID, area, name string) (string, error) {
	if !validArea(area) {
		return "", fmt.Errorf("unknown transient area %q", area)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid transient name %q", name)
	}
	return filepath.Join(s.Root, "executions", executionID, "transient", area, clean), nil
}

// WriteTransient writes unversioned scratch state. Unlike deliverables,
// transient files are overwritten in place.
func (s *Store) WriteTransient(executionID, area, name string, content []byte) error {
	path, err := s.transientPath(executionID, area, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (s *Store) ReadTransient(executionID, area, name string) ([]byte, error) {
	path, err := s.transientPath(executionID, area, name)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("transient %s/%s: not found", area, name)
	}
	return content, err
}

// ListTransient lists relative file names in one area, or all areas when
// area is empty (prefixed with "area/").
func (s *Store) ListTransient(executionID, area string) ([]string, error) {
	areas := transientAreas
	prefixed := true
	if area != "" {
		if !validArea(area) {
			return nil, fmt.Errorf("unknown transient area %q", area)
		}
		areas = []string{area}
		prefixed = false
	}
	var names []string
	for _, a := range areas {
		root := filepath.Join(s.Root, "executions", executionID, "transient", a)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if prefixed {
				rel = a + "/" + rel
			}
			names = append(names, rel)
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	sort.Strings(names)
	return names, nil
}

// CleanupTransient deletes the scratch area, or the entire transient tree
// when scratchOnly is false.
func (s *Store) CleanupTransient(executionID string, scratchOnly bool) error {
	base := filepath.Join(s.Root, "executions", executionID, "transient")
	if scratchOnly {
		return os.RemoveAll(filepath.Join(base, AreaScratch))
	}
	return os.RemoveAll(base)
}
