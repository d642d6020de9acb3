package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
)

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidStatement marks statements that did not come from the translator.
	ErrInvalidStatement = errors.New("store: invalid statement")
)

// GraphStorage defines the interface for persisting and querying the
// knowledge graph. Writes only accept translator output; reads are always
// bounded by an explicit limit.
type GraphStorage interface {
	Execute(ctx context.Context, statements []cypher.Statement) (ExecutionStats, error)

	FindSeedNodes(ctx context.Context, term string, limit int) ([]common.GraphNode, error)
	ExpandNeighborhood(ctx context.Context, seedIDs []string, depth, limit int) ([]common.GraphPath, error)

	Stats(ctx context.Context) (GraphStats, error)
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}

// Counters are the write counters reported for one statement.
type Counters struct {
	NodesCreated         int
	RelationshipsCreated int
	PropertiesSet        int
}

// StatementError records one failed statement.
type StatementError struct {
	Index     int    `json:"index"`
	Statement string `json:"statement"`
	Err       string `json:"error"`
}

// ExecutionStats summarizes one Execute call.
type ExecutionStats struct {
	Total                int              `json:"total"`
	Succeeded            int              `json:"succeeded"`
	Failed               int              `json:"failed"`
	NodesCreated         int              `json:"nodes_created"`
	RelationshipsCreated int              `json:"relationships_created"`
	PropertiesSet        int              `json:"properties_set"`
	Batches              int              `json:"batches"`
	Duration             time.Duration    `json:"duration"`
	Errors               []StatementError `json:"errors,omitempty"`
}

// AddCounters adds c to the created counters.
func (s *ExecutionStats) AddCounters(c Counters) {
	s.NodesCreated += c.NodesCreated
	s.RelationshipsCreated += c.RelationshipsCreated
	s.PropertiesSet += c.PropertiesSet
}

// GraphStats holds node and relationship counts.
type GraphStats struct {
	Nodes         int64            `json:"nodes"`
	Relationships int64            `json:"relationships"`
	NodesByType   map[string]int64 `json:"nodes_by_type,omitempty"`
}

// ValidateStatement rejects statements that cannot have come from the
// translator: unknown kinds, missing or unsanitized labels, missing keys and
// Cypher text that differs from the template for the statement's labels.
func ValidateStatement(st cypher.Statement) error {
	if st.Label == "" || st.Cypher == "" {
		return fmt.Errorf("%w: empty label or cypher", ErrInvalidStatement)
	}
	fallback := cypher.FallbackNodeLabel
	if st.Kind == cypher.KindEdge {
		fallback = cypher.FallbackEdgeType
	}
	if cypher.SanitizeLabel(st.Label, fallback) != st.Label {
		return fmt.Errorf("%w: unsanitized label %q", ErrInvalidStatement, st.Label)
	}
	switch st.Kind {
	case cypher.KindNode:
		if st.String(cypher.ParamKey) == "" {
			return fmt.Errorf("%w: node without key", ErrInvalidStatement)
		}
		if st.String(cypher.ParamType) != st.Label {
			return fmt.Errorf("%w: node type %q does not match label %q", ErrInvalidStatement, st.String(cypher.ParamType), st.Label)
		}
	case cypher.KindEdge:
		if st.String(cypher.ParamStartKey) == "" || st.String(cypher.ParamEndKey) == "" {
			return fmt.Errorf("%w: edge without endpoints", ErrInvalidStatement)
		}
		for _, param := range []string{cypher.ParamStartLabel, cypher.ParamEndLabel} {
			l := st.String(param)
			if l != "" && cypher.SanitizeLabel(l, cypher.FallbackNodeLabel) != l {
				return fmt.Errorf("%w: unsanitized %s %q", ErrInvalidStatement, param, l)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStatement, st.Kind)
	}
	if st.Cypher != cypher.Template(st) {
		return fmt.Errorf("%w: cypher is not the %s template", ErrInvalidStatement, st.Kind)
	}
	return nil
}

// ClampDepth bounds an expansion depth to [1,3].
func ClampDepth(depth int) int {
	return max(1, min(depth, 3))
}
