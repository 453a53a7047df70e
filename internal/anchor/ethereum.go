package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// payloadPrefix tags anchoring transactions so indexers can pick them out.
const payloadPrefix = "chaoscore:anchor:"

// Backend is the subset of an EVM client the gateway needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthereumConfig tunes the anchoring transaction.
type EthereumConfig struct {
	// ChainID overrides the chain id reported by the node when non-zero.
	ChainID int64
	// ToAddress receives the anchoring transaction; defaults to the sender.
	ToAddress string
	GasLimit  uint64
}

// EthereumGateway anchors data hashes as calldata of a zero-value
// dynamic-fee transaction.
type EthereumGateway struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	to       common.Address
	gasLimit uint64
	chainID  *big.Int
	closer   func()

	// nonces must be assigned sequentially per sender.
	mu sync.Mutex
}

// NewEthereumGateway builds a gateway over an existing backend.
func NewEthereumGateway(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg EthereumConfig) (*EthereumGateway, error) {
	if backend == nil {
		return nil, errors.New("未提供以太坊后端")
	}
	if key == nil {
		return nil, errors.New("未提供锚定签名私钥")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := from
	if addr := strings.TrimSpace(cfg.ToAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("无效的锚定接收地址: %s", addr)
		}
		to = common.HexToAddress(addr)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 100_000
	}

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		chainID = id
	}

	return &EthereumGateway{
		backend:  backend,
		key:      key,
		from:     from,
		to:       to,
		gasLimit: gasLimit,
		chainID:  chainID,
	}, nil
}

// DialEthereum connects to an RPC endpoint and builds a gateway signing with
// the hex encoded private key.
func DialEthereum(ctx context.Context, rpcURL, privateKeyHex string, cfg EthereumConfig) (*EthereumGateway, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	gw, err := NewEthereumGateway(ctx, client, key, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	gw.closer = client.Close
	return gw, nil
}

// ParsePrivateKey decodes a hex private key with or without the 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("未配置锚定签名私钥")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析锚定私钥失败: %w", err)
	}
	return key, nil
}

// From returns the sender address.
func (g *EthereumGateway) From() common.Address {
	return g.from
}

// Anchor implements Gateway.
func (g *EthereumGateway) Anchor(ctx context.Context, actionID, dataHash string) (Receipt, error) {
	hash := common.HexToHash(dataHash)
	if hash == (common.Hash{}) {
		return Receipt{}, fmt.Errorf("无效的数据哈希: %q", dataHash)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("获取交易计数失败: %w", err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	payload := append([]byte(payloadPrefix+actionID+":"), hash.Bytes()...)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       g.gasLimit,
		To:        &g.to,
		Value:     big.NewInt(0),
		Data:      payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("签名锚定交易失败: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, fmt.Errorf("发送锚定交易失败: %w", err)
	}

	return Receipt{
		TxRef:     signed.Hash().Hex(),
		BlockRef:  head.Number.String(),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Close releases the RPC connection when the gateway owns it.
func (g *EthereumGateway) Close() {
	if g != nil && g.closer != nil {
		g.closer()
		g.closer = nil
	}
}

// DecodePayload extracts the action id and data hash from anchoring calldata.
func DecodePayload(data []byte) (string, common.Hash, bool) {
	if len(data) < len(payloadPrefix)+common.HashLength+1 {
		return "", common.Hash{}, false
	}
	text := string(data[:len(data)-common.HashLength])
	if !strings.HasPrefix(text, payloadPrefix) || !strings.HasSuffix(text, ":") {
		return "", common.Hash{}, false
	}
	actionID := strings.TrimSuffix(strings.TrimPrefix(text, payloadPrefix), ":")
	return actionID, common.BytesToHash(data[len(data)-common.HashLength:]), true
}
