// Package anchor publishes action fingerprints to an external chain. A
// receipt only means the anchoring transaction was submitted; finality is
// never awaited.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is what a gateway returns after submitting an anchor.
type Receipt struct {
	TxRef     string    `json:"tx_ref"`
	BlockRef  string    `json:"block_ref"`
	Timestamp time.Time `json:"timestamp"`
}

// Gateway submits a data hash for an action to the anchoring medium.
type Gateway interface {
	Anchor(ctx context.Context, actionID, dataHash string) (Receipt, error)
}

// GatewayFunc adapts a plain function to Gateway.
type GatewayFunc func(ctx context.Context, actionID, dataHash string) (Receipt, error)

// Anchor implements Gateway.
func (f GatewayFunc) Anchor(ctx context.Context, actionID, dataHash string) (Receipt, error) {
	return f(ctx, actionID, dataHash)
}

// DataHash fingerprints arbitrary action data. Map keys are serialized in
// sorted order so equal payloads always hash to the same value.
func DataHash(data any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("序列化行为数据失败: %w", err)
	}
	return crypto.Keccak256Hash(payload).Hex(), nil
}
