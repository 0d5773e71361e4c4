package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"loopline/internal/repo"
)

// SearchMatch is one matched line with its surrounding context.
type SearchMatch struct {
	ExecutionID string `json:"execution_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	LineNumber  int    `json:"line_number"`
	Previous    string `json:"previous,omitempty"`
	Line        string `json:"line"`
	Next        string `json:"next,omitempty"`
}

const (
	defaultMaxMatchesPerArtifact = 5
	defaultMaxResults            = 50
)

// SearchDeliverables scans the latest version of matching entries for a
// case-insensitive substring. Matches per artifact and total results are
// capped by config.
func (s *Store) SearchDeliverables(ctx context.Context, query string, f repo.DeliverableFilters) ([]SearchMatch, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	perArtifact := defaultMaxMatchesPerArtifact
	total := defaultMaxResults
	if s.Config != nil {
		if s.Config.Search.MaxMatchesPerArtifact > 0 {
			perArtifact = s.Config.Search.MaxMatchesPerArtifact
		}
		if s.Config.Search.MaxResults > 0 {
			total = s.Config.Search.MaxResults
		}
	}
	entries, err := s.Repo.ListLatestDeliverables(ctx, f)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var matches []SearchMatch
	for _, v := range entries {
		content, err := os.ReadFile(filepath.Join(s.Root, v.Path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		lines := strings.Split(string(content), "\n")
		found := 0
		for i, line := range lines {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			m := SearchMatch{
				ExecutionID: v.ExecutionID,
				Name:        v.Name,
				Version:     v.Version,
				LineNumber:  i + 1,
				Line:        line,
			}
			if i > 0 {
				m.Previous = lines[i-1]
			}
			if i < len(lines)-1 {
				m.Next = lines[i+1]
			}
			matches = append(matches, m)
			found++
			if len(matches) >= total {
				return matches, nil
			}
			if found >= perArtifact {
				break
			}
		}
	}
	return matches, nil
}
