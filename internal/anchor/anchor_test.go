package anchor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChaosCore/internal/config"
)

func TestDataHashIsOrderIndependent(t *testing.T) {
	a, err := DataHash(map[string]any{"x": 1, "y": []string{"a", "b"}})
	require.NoError(t, err)
	b, err := DataHash(map[string]any{"y": []string{"a", "b"}, "x": 1})
	require.NoError(t, err)
	c, err := DataHash(map[string]any{"x": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 66)

	empty, err := DataHash(nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte("{}")).Hex(), empty)

	_, err = DataHash(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestMemoryGateway(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	first, err := gw.Anchor(ctx, "a1", "0x01")
	require.NoError(t, err)
	second, err := gw.Anchor(ctx, "a2", "0x02")
	require.NoError(t, err)

	assert.NotEqual(t, first.TxRef, second.TxRef)
	assert.Equal(t, "1", first.BlockRef)
	assert.Equal(t, "2", second.BlockRef)
	hash, ok := gw.Anchored("a2")
	assert.True(t, ok)
	assert.Equal(t, "0x02", hash)

	boom := errors.New("rpc down")
	gw.SetFailure(boom)
	_, err = gw.Anchor(ctx, "a3", "0x03")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, gw.Count())

	gw.SetFailure(nil)
	gw.SetDelay(time.Second)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = gw.Anchor(short, "a4", "0x04")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEthereumGatewayOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{
		sender: {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := backend.Client()

	gw, err := NewEthereumGateway(ctx, client, key, EthereumConfig{})
	require.NoError(t, err)
	assert.Equal(t, sender, gw.From())

	dataHash, err := DataHash(map[string]any{"finding": "ok"})
	require.NoError(t, err)

	receipt, err := gw.Anchor(ctx, "action-1", dataHash)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxRef)
	assert.False(t, receipt.Timestamp.IsZero())
	backend.Commit()

	txHash := common.HexToHash(receipt.TxRef)
	mined, err := client.TransactionReceipt(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, mined.Status)

	tx, _, err := client.TransactionByHash(ctx, txHash)
	require.NoError(t, err)
	actionID, anchored, ok := DecodePayload(tx.Data())
	require.True(t, ok)
	assert.Equal(t, "action-1", actionID)
	assert.Equal(t, common.HexToHash(dataHash), anchored)

	// second anchor uses the next nonce
	_, err = gw.Anchor(ctx, "action-2", dataHash)
	require.NoError(t, err)
	backend.Commit()
	nonce, err := client.PendingNonceAt(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nonce)

	_, err = gw.Anchor(ctx, "action-3", "not-a-hash")
	assert.Error(t, err)
}

func TestEthereumGatewayValidation(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewEthereumGateway(context.Background(), nil, key, EthereumConfig{})
	assert.Error(t, err)

	_, err = ParsePrivateKey("")
	assert.Error(t, err)
	_, err = ParsePrivateKey("0xzz")
	assert.Error(t, err)

	encoded := common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParsePrivateKey("0x" + encoded)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))
}

func TestDecodePayloadRejectsForeignData(t *testing.T) {
	_, _, ok := DecodePayload([]byte("short"))
	assert.False(t, ok)
	_, _, ok = DecodePayload(append([]byte("other:prefix:abc:"), make([]byte, 32)...))
	assert.False(t, ok)
}

func TestOpenSelectsDriver(t *testing.T) {
	gw, closeFn, err := Open(context.Background(), config.AnchorConfig{Driver: "memory"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MemoryGateway{}, gw)

	_, _, err = Open(context.Background(), config.AnchorConfig{Driver: "solana"})
	assert.Error(t, err)

	_, _, err = Open(context.Background(), config.AnchorConfig{Driver: "ethereum", RPCURL: "http://127.0.0.1:1"})
	assert.Error(t, err, "missing key must fail before dialing")
}

type stubBackend struct {
	sent []*types.Transaction
}

func (b *stubBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (b *stubBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(42), BaseFee: big.NewInt(7)}, nil
}

func (b *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(b.sent)), nil
}

func (b *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (b *stubBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	return nil
}

func TestEthereumGatewayOverMinimalBackend(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &stubBackend{}

	gw, err := NewEthereumGateway(context.Background(), backend, key, EthereumConfig{})
	require.NoError(t, err)

	dataHash, err := DataHash(map[string]any{"finding": "ok"})
	require.NoError(t, err)
	receipt, err := gw.Anchor(context.Background(), "action-1", dataHash)
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, receipt.TxRef, tx.Hash().Hex())
	assert.Equal(t, "42", receipt.BlockRef)
	assert.Equal(t, int64(1337), tx.ChainId().Int64())
	assert.Equal(t, int64(16), tx.GasFeeCap().Int64())
	assert.Equal(t, uint64(100_000), tx.Gas())
}
