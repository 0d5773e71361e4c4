package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"loopline/internal/config"
	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/repo"
)

// Store is the per-execution deliverable repository plus the transient
// state area. Deliverable versions are content-addressed and write-once;
// the manifest lives in sqlite, content on disk under Root.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Root   string
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, root string, cfg *config.Config) *Store {
	return &Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Root:   root,
		Config: cfg,
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ErrCorrupt is returned when stored content no longer matches its
// recorded hash.
var ErrCorrupt = errors.New("deliverable content does not match recorded hash")

type CreateOptions struct {
	Category   string
	Author     string
	ChangeNote string
	ActorID    string
}

// CreateDeliverable writes content as the next version of name. Versions
// start at 1 and increase strictly by 1; a written version is never
// mutated afterwards.
func (s *Store) CreateDeliverable(ctx context.Context, executionID, phase, name string, content []byte, opts CreateOptions) (domain.DeliverableVersion, error) {
	var v domain.DeliverableVersion
	if name == "" {
		return v, errors.New("deliverable name is required")
	}
	if phase == "" {
		return v, errors.New("phase is required")
	}
	if _, err := s.Repo.GetExecution(ctx, executionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return v, fmt.Errorf("execution %s: %w", executionID, repo.ErrNotFound)
		}
		return v, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	version := 1
	entry, err := s.Repo.GetDeliverableEntryTx(ctx, tx, executionID, name)
	if err == nil {
		version = entry.CurrentVersion + 1
	} else if !errors.Is(err, repo.ErrNotFound) {
		return v, err
	}

	relPath := filepath.Join("executions", executionID, "deliverables", safeName(name), fmt.Sprintf("v%03d", version))
	absPath := filepath.Join(s.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return v, err
	}
	// Content is staged to a temp file and only renamed into place once
	// the version row is accepted: a creator that loses the version race
	// fails on the insert without touching the committed file.
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".staging-*")
	if err != nil {
		return v, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return v, err
	}
	if err := tmp.Close(); err != nil {
		return v, err
	}

	sum := blake3.Sum256(content)
	v = domain.DeliverableVersion{
		ExecutionID: executionID,
		Name:        name,
		Version:     version,
		Phase:       phase,
		Category:    opts.Category,
		Path:        relPath,
		Hash:        hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(content)),
		LineCount:   countLines(content),
		Author:      optionalString(opts.Author),
		ChangeNote:  optionalString(opts.ChangeNote),
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertDeliverableVersion(ctx, tx, v); err != nil {
		return v, err
	}
	if err := s.Repo.UpsertDeliverableEntry(ctx, tx, executionID, name, version); err != nil {
		return v, err
	}
	if err := s.Events.Append(ctx, tx, "deliverable.created", executionID, "deliverable", name, opts.ActorID, events.EventPayload{
		"version": version,
		"phase":   phase,
		"hash":    v.Hash,
	}); err != nil {
		return v, err
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// GetDeliverable returns content and metadata for a version; version 0
// means latest. Content is re-hashed on read and verified against the
// manifest.
func (s *Store) GetDeliverable(ctx context.Context, executionID, name string, version int) ([]byte, domain.DeliverableVersion, error) {
	var v domain.DeliverableVersion
	if version == 0 {
		entry, err := s.Repo.GetDeliverableEntry(ctx, executionID, name)
		if err != nil {
			return nil, v, err
		}
		version = entry.CurrentVersion
	}
	v, err := s.Repo.GetDeliverableVersion(ctx, executionID, name, version)
	if err != nil {
		return nil, v, err
	}
	content, err := os.ReadFile(filepath.Join(s.Root, v.Path))
	if err != nil {
		return nil, v, err
	}
	sum := blake3.Sum256(content)
	if hex.EncodeToString(sum[:]) != v.Hash {
		return nil, v, fmt.Errorf("%s v%d: %w", name, version, ErrCorrupt)
	}
	return content, v, nil
}

// ListDeliverables returns the latest version of matching entries.
func (s *Store) ListDeliverables(ctx context.Context, f repo.DeliverableFilters) ([]domain.DeliverableVersion, error) {
	return s.Repo.ListLatestDeliverables(ctx, f)
}

// Versions returns the full append-only history of one entry.
func (s *Store) Versions(ctx context.Context, executionID, name string) ([]domain.DeliverableVersion, error) {
	versions, err := s.Repo.ListDeliverableVersions(ctx, executionID, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, repo.ErrNotFound
	}
	return versions, nil
}

// SaveCheckpoint overwrites the execution's single resumable record.
func (s *Store) SaveCheckpoint(ctx context.Context, executionID, phase, skillID, dataJSON, actorID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	if phase == "" {
		return cp, errors.New("phase is required")
	}
	if dataJSON == "" {
		dataJSON = "{}"
	}
	var tmp any
	if err := json.Unmarshal([]byte(dataJSON), &tmp); err != nil {
		return cp, fmt.Errorf("checkpoint data: %w", err)
	}
	if _, err := s.Repo.GetExecution(ctx, executionID); err != nil {
		return cp, err
	}
	cp = domain.Checkpoint{
		ExecutionID: executionID,
		Phase:       phase,
		SkillID:     skillID,
		DataJSON:    dataJSON,
		SavedAt:     s.now().UTC().Format(time.RFC3339),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return cp, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpsertCheckpoint(ctx, tx, cp); err != nil {
		return cp, err
	}
	if err := s.Events.Append(ctx, tx, "checkpoint.saved", executionID, "checkpoint", executionID, actorID, events.EventPayload{
		"phase": phase,
		"skill": skillID,
	}); err != nil {
		return cp, err
	}
	return cp, tx.Commit()
}

// LoadCheckpoint returns the last saved checkpoint for the execution.
func (s *Store) LoadCheckpoint(ctx context.Context, executionID string) (domain.Checkpoint, error) {
	return s.Repo.GetCheckpoint(ctx, executionID)
}

// safeName flattens a deliverable name into one path segment.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return name
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
