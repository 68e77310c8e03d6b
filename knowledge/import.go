package knowledge

import (
	"context"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/docpipe/errors"
)

// seedFile is the TOML layout of a knowledge seed file:
//
//	[[entry]]
//	title = "Minimum bid validity"
//	type = "rules"
//	content = "Bids must remain valid for 90 days after the deadline."
//	keywords = ["validity", "deadline"]
//	priority = 5
//	confidence = 0.95
//	expires_at = 2027-01-01T00:00:00Z
type seedFile struct {
	Entries []seedEntry `toml:"entry"`
}

type seedEntry struct {
	Title        string         `toml:"title"`
	Type         string         `toml:"type"`
	Source       string         `toml:"source"`
	Content      string         `toml:"content"`
	Data         map[string]any `toml:"data"`
	Categories   []string       `toml:"categories"`
	Keywords     []string       `toml:"keywords"`
	Language     string         `toml:"language"`
	Organization string         `toml:"organization"`
	Public       bool           `toml:"public"`
	Priority     int            `toml:"priority"`
	Confidence   *float64       `toml:"confidence"`
	ExpiresAt    *time.Time     `toml:"expires_at"`
}

// ImportFile creates every entry of a TOML seed file. Entries missing a
// confidence get 1. The file is validated completely before anything is
// written.
func (s *Store) ImportFile(ctx context.Context, path, actor string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read knowledge file %s", path)
	}

	var seed seedFile
	meta, err := toml.Decode(string(data), &seed)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse knowledge file %s", path), errors.ErrValidation)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		s.logger.Warnw("Ignoring unknown keys in knowledge file", "file", path, "keys", undecoded)
	}

	entries := make([]*Entry, 0, len(seed.Entries))
	for i, se := range seed.Entries {
		typ, err := ParseType(se.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: entry %d (%q)", path, i+1, se.Title)
		}
		confidence := 1.0
		if se.Confidence != nil {
			confidence = *se.Confidence
		}
		source := Source(se.Source)
		if source == "" {
			source = SourceUpload
		}
		e := &Entry{
			Title:           se.Title,
			Type:            typ,
			Source:          source,
			Content:         se.Content,
			StructuredData:  se.Data,
			Categories:      se.Categories,
			Keywords:        se.Keywords,
			Language:        se.Language,
			OrganizationID:  se.Organization,
			IsPublic:        se.Public,
			Priority:        se.Priority,
			ConfidenceScore: confidence,
			ExpiresAt:       se.ExpiresAt,
			CreatedBy:       actor,
		}
		if err := e.Validate(); err != nil {
			return nil, errors.Wrapf(err, "%s: entry %d", path, i+1)
		}
		entries = append(entries, e)
	}

	created := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		c, err := s.Create(ctx, e)
		if err != nil {
			return created, err
		}
		created = append(created, c)
	}
	return created, nil
}
