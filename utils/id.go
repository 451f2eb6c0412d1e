package utils

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator produces strictly increasing, process-wide unique, roughly
// time ordered 64-bit identifiers.
type IDGenerator interface {
	NextID() int64
}

type snowflakeGenerator struct {
	mu   sync.Mutex
	node *snowflake.Node
	last int64
}

// NewIDGenerator returns a snowflake backed generator for the given node id
// (0-1023). Several processes must use distinct node ids.
func NewIDGenerator(nodeID int64) (IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &snowflakeGenerator{node: node}, nil
}

func (g *snowflakeGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.node.Generate().Int64()
	// snowflake.Node tolerates a clock step backwards by reusing the last
	// millisecond; keep the sequence strictly increasing regardless.
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
