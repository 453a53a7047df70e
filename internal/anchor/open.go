package anchor

import (
	"context"
	"fmt"
	"strings"

	"ChaosCore/internal/config"
)

// Open builds the gateway selected by cfg.Driver. The returned func releases
// any connection held by the gateway.
func Open(ctx context.Context, cfg config.AnchorConfig) (Gateway, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryGateway(), func() {}, nil
	case "ethereum":
		gw, err := DialEthereum(ctx, cfg.RPCURL, cfg.PrivateKey, EthereumConfig{
			ChainID:   cfg.ChainID,
			ToAddress: cfg.ToAddress,
			GasLimit:  cfg.GasLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	default:
		return nil, nil, fmt.Errorf("不支持的锚定驱动: %s", cfg.Driver)
	}
}
