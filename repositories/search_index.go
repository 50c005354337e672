package repositories

import (
	"context"
	"fmt"
	"strings"

	"chat-gateway/domain"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"
)

const (
	fieldDestination = "destination"
	fieldContent     = "content"
	fieldCreatedAt   = "created_at"
)

// SearchIndex is a bluge index over message content. Content is indexed as a
// single lowercased term so a wildcard query gives substring matching.
type SearchIndex struct {
	writer *bluge.Writer
}

// NewSearchIndex opens an on-disk index at path, or an in-memory one when
// path is empty.
func NewSearchIndex(path string) (*SearchIndex, error) {
	cfg := bluge.InMemoryOnlyConfig()
	if path != "" {
		cfg = bluge.DefaultConfig(path)
	}
	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	return &SearchIndex{writer: writer}, nil
}

// normalize lowercases s and collapses whitespace runs. Queries and content
// go through it on every search path.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// contains reports whether content matches an already normalized needle.
func contains(content, needle string) bool {
	return needle != "" && strings.Contains(normalize(content), needle)
}

// wildcardEscaper turns wildcard metacharacters into single-character
// wildcards. Hits are a superset and callers check them with contains.
var wildcardEscaper = strings.NewReplacer("*", "?", "?", "?")

// Index adds or replaces the message. Messages deleted for everyone leave the index.
func (s *SearchIndex) Index(m domain.Message) error {
	if m.DeletedForEveryone {
		return s.writer.Delete(bluge.Identifier(m.ID.String()))
	}
	doc := bluge.NewDocument(m.ID.String()).
		AddField(bluge.NewKeywordField(fieldDestination, string(m.DestinationID))).
		AddField(bluge.NewKeywordField(fieldContent, normalize(m.Content))).
		AddField(bluge.NewNumericField(fieldCreatedAt, float64(m.CreatedAt.UnixNano())).Sortable())
	return s.writer.Update(doc.ID(), doc)
}

// Search returns ids of candidate messages in the destination, newest first.
// Candidates may include false positives when the query holds * or ?.
func (s *SearchIndex) Search(ctx context.Context, dest domain.DestinationID, query string, limit int) ([]uuid.UUID, error) {
	needle := wildcardEscaper.Replace(normalize(query))
	if needle == "" || limit <= 0 {
		return nil, nil
	}
	reader, err := s.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(string(dest)).SetField(fieldDestination)).
		AddMust(bluge.NewWildcardQuery("*" + needle + "*").SetField(fieldContent))
	request := bluge.NewTopNSearch(limit, q).SortBy([]string{"-" + fieldCreatedAt})

	matches, err := reader.Search(ctx, request)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	match, err := matches.Next()
	for err == nil && match != nil {
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				if id, perr := uuid.ParseBytes(value); perr == nil {
					ids = append(ids, id)
				}
				return false
			}
			return true
		})
		if err != nil {
			break
		}
		match, err = matches.Next()
	}
	return ids, err
}

func (s *SearchIndex) Close() error {
	return s.writer.Close()
}
