package anchor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGateway records anchors in process. Useful for tests and for
// deployments without a chain endpoint.
type MemoryGateway struct {
	mu      sync.Mutex
	block   uint64
	anchors map[string]string
	failure error
	delay   time.Duration
	now     func() time.Time
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{anchors: make(map[string]string), now: time.Now}
}

// SetFailure makes subsequent Anchor calls fail with err. Pass nil to recover.
func (g *MemoryGateway) SetFailure(err error) {
	g.mu.Lock()
	g.failure = err
	g.mu.Unlock()
}

// SetDelay makes Anchor block for d or until the context is done.
func (g *MemoryGateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

// Anchor implements Gateway.
func (g *MemoryGateway) Anchor(ctx context.Context, actionID, dataHash string) (Receipt, error) {
	g.mu.Lock()
	delay, failure := g.delay, g.failure
	g.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return Receipt{}, failure
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.block++
	g.anchors[actionID] = dataHash
	return Receipt{
		TxRef:     "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		BlockRef:  fmt.Sprintf("%d", g.block),
		Timestamp: g.now().UTC(),
	}, nil
}

// Anchored returns the data hash last anchored for actionID.
func (g *MemoryGateway) Anchored(actionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hash, ok := g.anchors[actionID]
	return hash, ok
}

// Count returns how many anchors were accepted.
func (g *MemoryGateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.anchors)
}
