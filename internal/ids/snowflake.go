// Package ids generates account identities.
package ids

import (
	"sync"
	"time"
)

// Epoch is the timestamp origin of generated ids.
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// MaxNode is the largest node id.
const MaxNode = 1<<nodeBits - 1

const (
	nodeBits = 10
	seqBits  = 12
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

// Snowflake produces positive, strictly increasing int64 ids:
// 41 bits of milliseconds since Epoch, 10 bits of node id, 12 bits of sequence.
type Snowflake struct {
	mu      sync.Mutex
	epochMS int64
	nodeID  int64
	seq     int64
	lastMS  int64
	now     func() time.Time
}

// NewSnowflake creates a generator for nodeID; out of range values fall back to 1.
func NewSnowflake(nodeID int64) *Snowflake {
	if nodeID < 0 || nodeID > MaxNode {
		nodeID = 1
	}
	return &Snowflake{
		epochMS: Epoch.UnixMilli(),
		nodeID:  nodeID,
		now:     time.Now,
	}
}

// NextID implements chat.IDGenerator.
func (g *Snowflake) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastMS {
			// clock moved backwards, wait for it to catch up
			time.Sleep(time.Duration(g.lastMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastMS {
			g.seq = (g.seq + 1) & seqMask
			if g.seq == 0 {
				for now <= g.lastMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastMS = now

		ts := (now - g.epochMS) & tsMask
		return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
	}
}

// Node returns the node id embedded in id.
func Node(id int64) int64 {
	return (id >> seqBits) & MaxNode
}
