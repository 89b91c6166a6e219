package neo4j

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/barekit/iris/pkg/memory/consts"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jMemory stores runs as (:User)-[:HAS_RUN]->(:Run)-[:HAS_MESSAGE]->(:Message).
// Messages carry a per-run sequence number for ordering.
type Neo4jMemory struct {
	driver neo4j.DriverWithContext
	dbName string
}

// New creates a new Neo4jMemory adapter.
func New(ctx context.Context, uri, username, password, dbName string) (*Neo4jMemory, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, err
	}

	return &Neo4jMemory{
		driver: driver,
		dbName: dbName,
	}, nil
}

var mergeRunQuery = fmt.Sprintf(`
MERGE (u:%s {id: $userID})
MERGE (u)-[:%s]->(r:%s {%s: $userID, %s: $runID})
ON CREATE SET r.%s = datetime()
RETURN r
`, consts.LabelUser, consts.RelHasRun, consts.LabelRun, consts.ColUserID, consts.ColRunID, consts.ColCreatedAt)

func (m *Neo4jMemory) CreateRun(ctx context.Context, key memory.RunKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, mergeRunQuery, keyParams(key))
		return nil, err
	})
	return err
}

func (m *Neo4jMemory) Save(ctx context.Context, key memory.RunKey, msg llm.Message) error {
	if err := key.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, mergeRunQuery, keyParams(key)); err != nil {
			return nil, err
		}

		queryMsg := fmt.Sprintf(`
		MATCH (r:%s {%s: $userID, %s: $runID})
		OPTIONAL MATCH (r)-[:%s]->(prev:%s)
		WITH r, count(prev) AS n
		CREATE (m:%s {%s: n, %s: $role, %s: $content, %s: datetime()})
		CREATE (r)-[:%s]->(m)
		RETURN m
		`, consts.LabelRun, consts.ColUserID, consts.ColRunID,
			consts.RelHasMessage, consts.LabelMessage,
			consts.LabelMessage, consts.ColSeq, consts.ColRole, consts.ColContent, consts.ColCreatedAt,
			consts.RelHasMessage)

		params := keyParams(key)
		params["role"] = string(msg.Role)
		params["content"] = string(content)
		_, err := tx.Run(ctx, queryMsg, params)
		return nil, err
	})

	return err
}

func (m *Neo4jMemory) Load(ctx context.Context, key memory.RunKey) ([]llm.Message, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(`
		MATCH (r:%s {%s: $userID, %s: $runID})-[:%s]->(m:%s)
		RETURN m.%s AS role, m.%s AS content
		ORDER BY m.%s ASC
		`, consts.LabelRun, consts.ColUserID, consts.ColRunID, consts.RelHasMessage, consts.LabelMessage,
			consts.ColRole, consts.ColContent, consts.ColSeq)

		result, err := tx.Run(ctx, query, keyParams(key))
		if err != nil {
			return nil, err
		}

		var messages []llm.Message
		for result.Next(ctx) {
			record := result.Record()

			role, _, err := neo4j.GetRecordValue[string](record, "role")
			if err != nil {
				return nil, err
			}
			content, _, err := neo4j.GetRecordValue[string](record, "content")
			if err != nil {
				return nil, err
			}

			msg := llm.Message{Role: llm.Role(role)}
			if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}

		return messages, result.Err()
	})

	if err != nil {
		return nil, err
	}

	messages, _ := result.([]llm.Message)
	return messages, nil
}

func (m *Neo4jMemory) RunIDs(ctx context.Context, userID string) ([]string, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(`
		MATCH (:%s {id: $userID})-[:%s]->(r:%s)
		RETURN r.%s AS run_id
		ORDER BY r.%s DESC
		`, consts.LabelUser, consts.RelHasRun, consts.LabelRun, consts.ColRunID, consts.ColCreatedAt)

		result, err := tx.Run(ctx, query, map[string]any{"userID": userID})
		if err != nil {
			return nil, err
		}

		var ids []string
		for result.Next(ctx) {
			id, _, err := neo4j.GetRecordValue[string](result.Record(), "run_id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, err
	}

	ids, _ := result.([]string)
	return ids, nil
}

func (m *Neo4jMemory) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

func keyParams(key memory.RunKey) map[string]any {
	return map[string]any{"userID": key.UserID, "runID": key.RunID}
}
