package memoryindex

import (
	"context"
	"fmt"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"
)

// Config points at a Typesense server.
type Config struct {
	URL    string
	APIKey string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("memoryindex: typesense URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("memoryindex: typesense API key is required")
	}
	return nil
}

// typesenseStore is the production Store, backed by a live Typesense
// collection (spec's "reads prior turns and memory" contract, §6).
type typesenseStore struct {
	client *typesense.Client
}

// NewTypesenseStore builds a Store against cfg. It does not contact the
// server; call Index.EnsureSchema to create the collection.
func NewTypesenseStore(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
	)
	return &typesenseStore{client: client}, nil
}

func (s *typesenseStore) EnsureCollection(ctx context.Context) error {
	_, err := s.client.Collection(CollectionName).Retrieve(ctx)
	if err == nil {
		return nil
	}

	schema := &api.CollectionSchema{
		Name: CollectionName,
		Fields: []api.Field{
			{Name: "turn_id", Type: "string"},
			{Name: "session_id", Type: "string", Facet: pointer.True()},
			{Name: "summary", Type: "string"},
			{Name: "claims", Type: "string[]"},
			{Name: "created_at", Type: "int64"},
		},
		DefaultSortingField: pointer.String("created_at"),
	}
	if _, err := s.client.Collections().Create(ctx, schema); err != nil {
		return fmt.Errorf("memoryindex: create collection: %w", err)
	}
	return nil
}

func (s *typesenseStore) Upsert(ctx context.Context, doc Document) error {
	if _, err := s.client.Collection(CollectionName).Documents().Upsert(ctx, doc); err != nil {
		return fmt.Errorf("memoryindex: upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *typesenseStore) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	params := &api.SearchCollectionParams{
		Q:        pointer.String(query),
		QueryBy:  pointer.String("summary,claims"),
		SortBy:   pointer.String("created_at:desc"),
		PerPage:  pointer.Int(limit),
	}

	result, err := s.client.Collection(CollectionName).Documents().Search(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: search: %w", err)
	}
	if result == nil || result.Hits == nil {
		return nil, nil
	}

	docs := make([]Document, 0, len(*result.Hits))
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		var doc Document
		if err := marshalRoundTrip(*hit.Document, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
