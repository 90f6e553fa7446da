package arangodb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
)

type Client interface {
	// Setup operations
	EnsureDatabase(ctx context.Context) error

	// Write operations (for ingestion)
	IngestNodes(ctx context.Context, collection string, nodes []Node) error
	IngestEdges(ctx context.Context, collection string, edges []Edge) error

	// Claim-provenance graph (used by internal/claimgraph)
	EnsureClaimCollections(ctx context.Context) error
	EnsureClaimGraph(ctx context.Context) error
	SourceBackedByClaim(ctx context.Context, sourceQName string) (bool, error)

	// Utility
	Close() error
}

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type client struct {
	conn         connection.Connection
	arangoClient arangodb.Client
	db           arangodb.Database
	cfg          Config
}

func New(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL}) // round robins from the urls. we just have one for now
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	arangoClient := arangodb.NewClient(conn)

	c := &client{
		conn:         conn,
		arangoClient: arangoClient,
		cfg:          cfg,
	}

	return c, nil
}

func (c *client) Close() error {
	return nil
}

func (c *client) EnsureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := c.arangoClient.DatabaseExists(ctx, c.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		_, err = c.arangoClient.CreateDatabase(ctx, c.cfg.Database, nil)
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created",
			"database", c.cfg.Database,
			"duration_ms", time.Since(start).Milliseconds())
	}

	db, err := c.arangoClient.GetDatabase(ctx, c.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	c.db = db

	return nil
}

func (c *client) ensureCollection(ctx context.Context, name string, isEdge bool) error {
	exists, err := c.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}

	if !exists {
		props := &arangodb.CreateCollectionPropertiesV2{}
		if isEdge {
			colType := arangodb.CollectionTypeEdge
			props.Type = &colType
		} else {
			colType := arangodb.CollectionTypeDocument
			props.Type = &colType
		}

		_, err = c.db.CreateCollectionV2(ctx, name, props)
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		slog.InfoContext(ctx, "arangodb collection created",
			"collection", name,
			"is_edge", isEdge)
	}

	return nil
}

// IngestNodes inserts new node documents into the specified collection.
// Duplicates (same _key) are silently ignored - existing documents are NOT updated.
func (c *client) IngestNodes(ctx context.Context, collection string, nodes []Node) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if len(nodes) == 0 {
		return nil
	}

	start := time.Now()
	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	docs := make([]map[string]any, len(nodes))
	for i, node := range nodes {
		doc := map[string]any{
			"_key":      makeKey(node.QName),
			"qname":     node.QName,
			"name":      node.Name,
			"kind":      node.Kind,
			"doc":       node.Doc,
			"filepath":  node.Filepath,
			"namespace": node.Namespace,
			"language":  node.Language,
			"pos":       node.Pos,
			"end":       node.End,
		}
		// Add optional fields based on node type
		if node.IsMethod {
			doc["is_method"] = true
		}
		if node.TypeQName != "" {
			doc["type_qname"] = node.TypeQName
		}
		if node.Signature != "" {
			doc["signature"] = node.Signature
		}
		docs[i] = doc
	}

	reader, err := col.CreateDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("create documents: %w", err)
	}

	// Consume all responses (ignoring errors for duplicate keys)
	for {
		_, readErr := reader.Read()
		if readErr != nil {
			break
		}
	}

	slog.DebugContext(ctx, "arangodb nodes ingested",
		"collection", collection,
		"count", len(nodes),
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

// IngestEdges inserts new edge documents into the specified collection.
// Duplicates (same _key) are silently ignored - existing documents are NOT updated.
func (c *client) IngestEdges(ctx context.Context, collection string, edges []Edge) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if len(edges) == 0 {
		return nil
	}

	start := time.Now()
	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	docs := make([]map[string]any, len(edges))
	for i, edge := range edges {
		fromCol := nodeCollectionForKind(edge.FromKind)
		toCol := nodeCollectionForKind(edge.ToKind)

		docs[i] = map[string]any{
			"_key":  makeEdgeKey(edge.From, edge.To),
			"_from": fmt.Sprintf("%s/%s", fromCol, makeKey(edge.From)),
			"_to":   fmt.Sprintf("%s/%s", toCol, makeKey(edge.To)),
		}

		for k, v := range edge.Properties {
			docs[i][k] = v
		}
	}

	reader, err := col.CreateDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("create edge documents: %w", err)
	}

	// Consume all responses (ignoring errors for duplicate keys)
	for {
		_, readErr := reader.Read()
		if readErr != nil {
			break
		}
	}

	slog.DebugContext(ctx, "arangodb edges ingested",
		"collection", collection,
		"count", len(edges),
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

func makeKey(qname string) string {
	hash := md5.Sum([]byte(qname))
	return hex.EncodeToString(hash[:])[:16]
}

func makeEdgeKey(from, to string) string {
	combined := from + "->" + to
	hash := md5.Sum([]byte(combined))
	return hex.EncodeToString(hash[:])[:16]
}

func nodeCollectionForKind(kind string) string {
	switch kind {
	case "function", "method":
		return "functions"
	case "struct", "class", "interface", "alias":
		return "types"
	case "field", "member", "variable":
		return "members"
	case "file":
		return "files"
	case "module", "package", "namespace":
		return "modules"
	case "claim":
		return "claims"
	case "source":
		return "sources"
	case "goal":
		return "goals"
	case "constraint":
		return "constraints"
	default:
		return "functions"
	}
}

// EnsureClaimCollections creates the claim-provenance graph's node and edge
// collections.
func (c *client) EnsureClaimCollections(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	nodeCollections := []string{"claims", "sources", "goals", "constraints"}
	edgeCollections := []string{"claim_sources", "claim_goals", "claim_constraints"}

	for _, name := range nodeCollections {
		if err := c.ensureCollection(ctx, name, false); err != nil {
			return err
		}
	}
	for _, name := range edgeCollections {
		if err := c.ensureCollection(ctx, name, true); err != nil {
			return err
		}
	}
	return nil
}

// EnsureClaimGraph creates the "claimgraph" named graph over the claim
// collections.
func (c *client) EnsureClaimGraph(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	graphName := "claimgraph"
	exists, err := c.db.GraphExists(ctx, graphName)
	if err != nil {
		return fmt.Errorf("check graph exists: %w", err)
	}
	if exists {
		return nil
	}

	graphDef := &arangodb.GraphDefinition{
		Name: graphName,
		EdgeDefinitions: []arangodb.EdgeDefinition{
			{Collection: "claim_sources", From: []string{"claims"}, To: []string{"sources"}},
			{Collection: "claim_goals", From: []string{"claims"}, To: []string{"goals"}},
			{Collection: "claim_constraints", From: []string{"claims"}, To: []string{"constraints"}},
		},
	}

	_, err = c.db.CreateGraph(ctx, graphName, graphDef, nil)
	if err != nil {
		return fmt.Errorf("create claim graph: %w", err)
	}

	slog.InfoContext(ctx, "arangodb graph created", "graph", graphName)
	return nil
}

// SourceBackedByClaim reports whether any claim (from any turn ever
// ingested) cites sourceQName as its source, i.e. whether this URL/source
// identifier has prior evidentiary backing beyond the current turn's own
// documents.
func (c *client) SourceBackedByClaim(ctx context.Context, sourceQName string) (bool, error) {
	if c.db == nil {
		return false, fmt.Errorf("database not initialized")
	}

	query := `
		FOR v IN 1..1 INBOUND @start GRAPH "claimgraph"
			OPTIONS { edgeCollections: ["claim_sources"] }
			LIMIT 1
			RETURN v._key
	`
	start := fmt.Sprintf("sources/%s", makeKey(sourceQName))

	cursor, err := c.db.Query(ctx, query, &arangodb.QueryOptions{
		BindVars: map[string]any{"start": start},
	})
	if err != nil {
		return false, fmt.Errorf("query claim backing: %w", err)
	}
	defer cursor.Close()

	return cursor.HasMore(), nil
}

