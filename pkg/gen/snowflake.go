package gen

import (
	"smallbiznis-messaging/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflake))

// IDGenerator hands out string primary keys.
type IDGenerator interface {
	NextID() string
}

type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake uses WORKER.NODE_ID so replicas never mint the same id.
func NewSnowflake(cfg *config.Config) (IDGenerator, error) {
	nodeID := cfg.Worker.NodeID
	if nodeID <= 0 {
		nodeID = 1
	}
	node, err := NewSnowflakeNode(nodeID)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func NewSnowflakeNode(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Snowflake{node: node}, nil
}

func (s *Snowflake) NextID() string {
	return s.node.Generate().String()
}
