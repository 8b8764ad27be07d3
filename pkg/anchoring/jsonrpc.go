package anchoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yrippert-maker/papa-app-sub003/pkg/util/resiliency"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// JSONRPCConfig configures an Ethereum-compatible node client.
type JSONRPCConfig struct {
	URL         string
	Network     string
	ChainID     string
	FromAddress string
	// ToAddress receives the zero-value anchoring transaction. Defaults to
	// FromAddress.
	ToAddress string
	// RPS bounds outbound requests; zero means 5.
	RPS     float64
	Timeout time.Duration
}

// JSONRPCChain anchors via eth_sendTransaction with the root as calldata.
// The node must manage the sending account.
type JSONRPCChain struct {
	cfg     JSONRPCConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *resiliency.CircuitBreaker
	nextID  atomic.Int64
}

func NewJSONRPCChain(cfg JSONRPCConfig) (*JSONRPCChain, error) {
	if cfg.URL == "" {
		return nil, errors.New("anchoring: ANCHOR_RPC_URL is required")
	}
	if !isAddress(cfg.FromAddress) {
		return nil, fmt.Errorf("anchoring: invalid from address %q", cfg.FromAddress)
	}
	if cfg.ToAddress == "" {
		cfg.ToAddress = cfg.FromAddress
	}
	if !isAddress(cfg.ToAddress) {
		return nil, fmt.Errorf("anchoring: invalid to address %q", cfg.ToAddress)
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &JSONRPCChain{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		breaker: resiliency.NewCircuitBreaker("anchoring-rpc", 5, 30*time.Second),
	}, nil
}

func (c *JSONRPCChain) Network() string { return c.cfg.Network }
func (c *JSONRPCChain) ChainID() string { return c.cfg.ChainID }

// Breaker exposes the circuit breaker state for health reporting.
func (c *JSONRPCChain) Breaker() *resiliency.CircuitBreaker { return c.breaker }

func (c *JSONRPCChain) Submit(ctx context.Context, root string) (string, error) {
	tx := map[string]string{
		"from":  c.cfg.FromAddress,
		"to":    c.cfg.ToAddress,
		"value": "0x0",
		"data":  "0x" + strings.TrimPrefix(root, "0x"),
	}
	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", []any{tx}, &txHash); err != nil {
		return "", err
	}
	if txHash == "" {
		return "", errors.New("anchoring: node returned empty transaction hash")
	}
	return txHash, nil
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	BlockHash       string `json:"blockHash"`
	Status          string `json:"status"`
}

func (c *JSONRPCChain) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r rpcReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("anchoring: decode receipt: %w", err)
	}
	if r.BlockNumber == "" {
		return nil, nil
	}
	block, err := parseQuantity(r.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("anchoring: receipt block number: %w", err)
	}
	status, err := parseQuantity(r.Status)
	if err != nil {
		return nil, fmt.Errorf("anchoring: receipt status: %w", err)
	}
	return &Receipt{
		TxHash:      r.TransactionHash,
		BlockNumber: block,
		BlockHash:   r.BlockHash,
		Succeeded:   status == 1,
		Raw:         raw,
	}, nil
}

func (c *JSONRPCChain) BlockNumber(ctx context.Context) (int64, error) {
	var q string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &q); err != nil {
		return 0, err
	}
	return parseQuantity(q)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *JSONRPCChain) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("anchoring: rate limit: %w", err)
	}
	var result json.RawMessage
	err := c.breaker.Do(func() error {
		var err error
		result, err = c.roundTrip(ctx, method, params)
		return err
	}, breakerCountable)
	if err != nil {
		return fmt.Errorf("anchoring: %s: %w", method, err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("anchoring: %s: decode result: %w", method, err)
	}
	return nil
}

func (c *JSONRPCChain) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &httpStatusError{code: resp.StatusCode}
	}
	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return "http status " + strconv.Itoa(e.code) }

// breakerCountable treats node-level rejections and 4xx responses as caller
// faults that should not open the breaker.
func breakerCountable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var hs *httpStatusError
	if errors.As(err, &hs) {
		return hs.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func parseQuantity(q string) (int64, error) {
	s, ok := strings.CutPrefix(q, "0x")
	if !ok || s == "" {
		return 0, fmt.Errorf("invalid quantity %q", q)
	}
	return strconv.ParseInt(s, 16, 64)
}

func isAddress(a string) bool {
	s, ok := strings.CutPrefix(a, "0x")
	if !ok || len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
