package anchoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Receipt is the chain's confirmation record for a transaction.
type Receipt struct {
	TxHash      string          `json:"tx_hash"`
	BlockNumber int64           `json:"block_number"`
	BlockHash   string          `json:"block_hash"`
	Succeeded   bool            `json:"succeeded"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Chain submits Merkle roots and reports their confirmation.
type Chain interface {
	Network() string
	ChainID() string
	// Submit publishes root and returns the transaction hash.
	Submit(ctx context.Context, root string) (string, error)
	// Receipt returns nil while the transaction is unmined.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockNumber(ctx context.Context) (int64, error)
}

// LocalChain is an in-process chain for lite mode and tests. Every
// submission is mined into its own block.
type LocalChain struct {
	mu       sync.Mutex
	network  string
	chainID  string
	height   int64
	receipts map[string]Receipt
	// Hold leaves submissions unmined until Mine is called.
	Hold bool
	held []string
	// Fail makes Submit return this error.
	Fail error
}

func NewLocalChain() *LocalChain {
	return &LocalChain{network: "local", chainID: "0", receipts: make(map[string]Receipt)}
}

func (c *LocalChain) Network() string { return c.network }
func (c *LocalChain) ChainID() string { return c.chainID }

func (c *LocalChain) Submit(_ context.Context, root string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return "", c.Fail
	}
	nonce := len(c.receipts) + len(c.held)
	sum := sha256.Sum256([]byte(root + ":" + strconv.Itoa(nonce)))
	tx := "0x" + hex.EncodeToString(sum[:])
	if c.Hold {
		c.held = append(c.held, tx)
		return tx, nil
	}
	c.mineLocked(tx)
	return tx, nil
}

// Mine includes every held transaction, one block each.
func (c *LocalChain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.held {
		c.mineLocked(tx)
	}
	c.held = nil
}

// Advance appends empty blocks.
func (c *LocalChain) Advance(blocks int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += blocks
}

func (c *LocalChain) mineLocked(tx string) {
	c.height++
	bh := sha256.Sum256([]byte(tx + ":block:" + strconv.FormatInt(c.height, 10)))
	c.receipts[tx] = Receipt{
		TxHash:      tx,
		BlockNumber: c.height,
		BlockHash:   "0x" + hex.EncodeToString(bh[:]),
		Succeeded:   true,
	}
}

func (c *LocalChain) Receipt(_ context.Context, txHash string) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("anchoring: encode local receipt: %w", err)
	}
	r.Raw = raw
	return &r, nil
}

func (c *LocalChain) BlockNumber(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}
