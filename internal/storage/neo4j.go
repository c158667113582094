package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Neo4jStore implements GraphStore over the bolt driver. Documents and
// thoughts are nodes; typed relationships carry the structural links.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   logging.Logger
}

// NewNeo4jStore connects and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg *config.Neo4jConfig, logger logging.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.MaxPool > 0 {
				c.MaxConnectionPoolSize = cfg.MaxPool
			}
		})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "creating neo4j driver").
			WithAdapter(string(KindGraph))
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "verifying neo4j connectivity").
			WithAdapter(string(KindGraph))
	}
	return &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		logger:   logger.WithComponent("neo4j"),
	}, nil
}

func (n *Neo4jStore) Kind() Kind { return KindGraph }

// IsAvailable verifies driver connectivity with a short deadline.
func (n *Neo4jStore) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return n.driver.VerifyConnectivity(probeCtx) == nil
}

// Close shuts the driver down.
func (n *Neo4jStore) Close() error {
	return n.driver.Close(context.Background())
}

func (n *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: n.database,
	})
}

func (n *Neo4jStore) write(ctx context.Context, query string, params map[string]any) error {
	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "graph write failed").
			WithAdapter(string(KindGraph))
	}
	return nil
}

// Store upserts the document node with its version fields.
func (n *Neo4jStore) Store(ctx context.Context, entityID string, p *types.DocumentPayload) error {
	return n.write(ctx,
		`MERGE (d:Document {id: $id})
		 SET d.content_hash = $hash, d.updated_at = $updated, d.tags = $tags`,
		map[string]any{
			"id":      entityID,
			"hash":    p.ContentHash,
			"updated": p.UpdatedAt.UTC().UnixNano(),
			"tags":    p.Tags,
		})
}

// Retrieve loads the document node's version fields.
func (n *Neo4jStore) Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error) {
	records, err := n.ReadQuery(ctx,
		`MATCH (d:Document {id: $id}) RETURN d.content_hash AS hash, d.updated_at AS updated, d.tags AS tags`,
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NotFound("document %s not in graph", entityID).
			WithAdapter(string(KindGraph))
	}

	p := &types.DocumentPayload{ID: entityID}
	if hash, ok := records[0]["hash"].(string); ok {
		p.ContentHash = hash
	}
	if nanos, ok := records[0]["updated"].(int64); ok && nanos > 0 {
		p.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	if tags, ok := records[0]["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				p.Tags = append(p.Tags, s)
			}
		}
	}
	return p, nil
}

// Delete detaches and removes the document node. Absence is not an error.
func (n *Neo4jStore) Delete(ctx context.Context, entityID string) error {
	return n.write(ctx,
		`MATCH (d:Document {id: $id}) DETACH DELETE d`,
		map[string]any{"id": entityID})
}

// UpsertNode merges a node by id, applying the labels and properties.
// Labels cannot be parameterised in Cypher, so they are validated as
// identifiers before interpolation.
func (n *Neo4jStore) UpsertNode(ctx context.Context, id string, labels []string, properties map[string]any) error {
	if err := types.ValidateIdentifier("node id", id); err != nil {
		return err
	}
	labelExpr, err := labelFragment(labels)
	if err != nil {
		return err
	}
	props := map[string]any{}
	for k, v := range properties {
		props[k] = v
	}
	query := fmt.Sprintf(`MERGE (x%s {id: $id}) SET x += $props`, labelExpr)
	return n.write(ctx, query, map[string]any{"id": id, "props": props})
}

// UpsertEdge merges a typed relationship between two nodes, creating the
// endpoints when missing.
func (n *Neo4jStore) UpsertEdge(ctx context.Context, srcID, dstID, relType string, properties map[string]any) error {
	if err := validateRelType(relType); err != nil {
		return err
	}
	props := map[string]any{}
	for k, v := range properties {
		props[k] = v
	}
	query := fmt.Sprintf(
		`MERGE (a {id: $src}) MERGE (b {id: $dst})
		 MERGE (a)-[r:%s]->(b) SET r += $props`, relType)
	return n.write(ctx, query, map[string]any{"src": srcID, "dst": dstID, "props": props})
}

// DeleteEdge removes one typed relationship between two nodes. Absence is
// not an error.
func (n *Neo4jStore) DeleteEdge(ctx context.Context, srcID, dstID, relType string) error {
	if err := validateRelType(relType); err != nil {
		return err
	}
	query := fmt.Sprintf(`MATCH (a {id: $src})-[r:%s]->(b {id: $dst}) DELETE r`, relType)
	return n.write(ctx, query, map[string]any{"src": srcID, "dst": dstID})
}

// DeleteNode detaches and removes any node with the id.
func (n *Neo4jStore) DeleteNode(ctx context.Context, id string) error {
	return n.write(ctx,
		`MATCH (x {id: $id}) DETACH DELETE x`,
		map[string]any{"id": id})
}

// traversalPattern builds the variable-length relationship pattern. An
// empty edge type walks relationships of any type.
func traversalPattern(edgeType string, dir Direction, maxDepth int) (string, error) {
	if edgeType != "" {
		if err := validateRelType(edgeType); err != nil {
			return "", err
		}
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	relFrag := ""
	if edgeType != "" {
		relFrag = ":" + edgeType
	}
	switch dir {
	case DirectionOut:
		return fmt.Sprintf(`-[%s*1..%d]->`, relFrag, maxDepth), nil
	case DirectionIn:
		return fmt.Sprintf(`<-[%s*1..%d]-`, relFrag, maxDepth), nil
	case DirectionBoth:
		return fmt.Sprintf(`-[%s*1..%d]-`, relFrag, maxDepth), nil
	default:
		return "", errors.Validation("unknown traversal direction %q", dir).
			WithAdapter(string(KindGraph))
	}
}

// Traverse walks typed edges from the start node up to maxDepth hops and
// returns the discovered paths. An empty edge type is unfiltered.
func (n *Neo4jStore) Traverse(ctx context.Context, startID, edgeType string, dir Direction, maxDepth int) ([]GraphPath, error) {
	pattern, err := traversalPattern(edgeType, dir, maxDepth)
	if err != nil {
		return nil, err
	}

	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := fmt.Sprintf(`MATCH p = (s {id: $id})%s(m) RETURN p`, pattern)
	raw, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{"id": startID})
		if err != nil {
			return nil, err
		}
		var paths []GraphPath
		for result.Next(ctx) {
			value, ok := result.Record().Get("p")
			if !ok {
				continue
			}
			path, ok := value.(neo4j.Path)
			if !ok {
				continue
			}
			paths = append(paths, convertPath(path))
		}
		return paths, result.Err()
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "traversing from %s", startID).
			WithAdapter(string(KindGraph))
	}
	paths, _ := raw.([]GraphPath)
	return paths, nil
}

// ReadQuery runs a read-only expression after rejecting write clauses.
func (n *Neo4jStore) ReadQuery(ctx context.Context, expr string, params map[string]any) ([]map[string]any, error) {
	if err := ValidateReadOnlyExpr(expr); err != nil {
		return nil, err
	}

	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	raw, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, expr, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(records))
		for _, record := range records {
			row := make(map[string]any, len(record.Keys))
			for _, key := range record.Keys {
				value, _ := record.Get(key)
				row[key] = value
			}
			out = append(out, row)
		}
		return out, nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "graph read failed").
			WithAdapter(string(KindGraph))
	}
	rows, _ := raw.([]map[string]any)
	return rows, nil
}

func convertPath(path neo4j.Path) GraphPath {
	gp := GraphPath{
		NodeIDs: make([]string, 0, len(path.Nodes)),
		Edges:   make([]GraphEdge, 0, len(path.Relationships)),
	}
	idByElement := make(map[string]string, len(path.Nodes))
	for _, node := range path.Nodes {
		id, _ := node.Props["id"].(string)
		idByElement[node.ElementId] = id
		gp.NodeIDs = append(gp.NodeIDs, id)
	}
	for _, rel := range path.Relationships {
		gp.Edges = append(gp.Edges, GraphEdge{
			SourceID:   idByElement[rel.StartElementId],
			TargetID:   idByElement[rel.EndElementId],
			Type:       rel.Type,
			Properties: rel.Props,
		})
	}
	return gp
}

func labelFragment(labels []string) (string, error) {
	var b strings.Builder
	for _, label := range labels {
		if err := types.ValidateIdentifier("label", label); err != nil {
			return "", err
		}
		if strings.ContainsAny(label, ":-") {
			return "", errors.Validation("label %q contains reserved characters", label).
				WithAdapter(string(KindGraph))
		}
		b.WriteString(":")
		b.WriteString(label)
	}
	return b.String(), nil
}

func validateRelType(relType string) error {
	if err := types.ValidateIdentifier("relationship type", relType); err != nil {
		return err
	}
	if strings.ContainsAny(relType, ":-") {
		return errors.Validation("relationship type %q contains reserved characters", relType).
			WithAdapter(string(KindGraph))
	}
	return nil
}
