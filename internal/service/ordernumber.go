package service

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const suffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// OrderNumbers allocates human-readable order numbers: a time-ordered
// snowflake id plus a short random suffix, so concurrent nodes never contend
// on a shared counter
type OrderNumbers struct {
	node *snowflake.Node
}

// NewOrderNumbers derives the snowflake node from the hostname
func NewOrderNumbers() (*OrderNumbers, error) {
	host, _ := os.Hostname()
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return NewOrderNumbersWithNode(int64(h.Sum32()) & 0x3FF)
}

// NewOrderNumbersWithNode uses an explicit node id (0-1023)
func NewOrderNumbersWithNode(nodeID int64) (*OrderNumbers, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &OrderNumbers{node: node}, nil
}

// Next returns a new order number such as ORD-1A2B3C4D5E-K7Q
func (o *OrderNumbers) Next() string {
	var suffix [3]byte
	for i := range suffix {
		suffix[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return "ORD-" + strings.ToUpper(o.node.Generate().Base36()) + "-" + string(suffix[:])
}
