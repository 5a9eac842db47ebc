// Package rpc is a thin adaptor over the upstream JSON-RPC provider's
// eth_getBlockByNumber method. It owns the wire format (hex block numbers,
// the JSON-RPC 2.0 envelope) and classifies failures into the four classes
// the batch processor switches on.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Class tags a failed fetchBlock call so callers can decide between
// "record and continue" and "abort" without inspecting error strings.
type Class int

const (
	// ClassNotFound means the RPC returned a null result — the block does
	// not exist yet (or never will, for a bad block number).
	ClassNotFound Class = iota
	// ClassTimeout means the per-call deadline expired.
	ClassTimeout
	// ClassUpstream means the RPC returned a non-null error object.
	ClassUpstream
	// ClassTransport means the HTTP call itself failed, or the response
	// body could not be decoded.
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassTimeout:
		return "timeout"
	case ClassUpstream:
		return "upstream_error"
	case ClassTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// ClassifiedError is the error type returned by FetchBlock on failure.
type ClassifiedError struct {
	Class   Class
	Code    int // upstream JSON-RPC error code, only set for ClassUpstream
	Message string
	Err     error // underlying transport/decode error, if any
}

func (e *ClassifiedError) Error() string {
	if e.Class == ClassUpstream {
		return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return e.Class.String()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Block is the result of a successful FetchBlock call.
type Block struct {
	Addresses map[string]struct{}
	BlockHash string
	TxCount   int
	Timestamp time.Time
}

// Client speaks JSON-RPC 2.0 to a single upstream endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// New constructs a Client. timeout bounds every individual call; spec
// default is 10s.
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  timeout,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcTransaction struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type rpcBlockResult struct {
	Hash         string           `json:"hash"`
	Timestamp    string           `json:"timestamp"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcResponse struct {
	Result *rpcBlockResult `json:"result"`
	Error  *rpcError       `json:"error"`
}

// FetchBlock fetches block blockNumber and returns the distinct non-empty
// from/to addresses found in its transactions.
func (c *Client) FetchBlock(ctx context.Context, blockNumber uint64) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hexBlock := "0x" + strconv.FormatUint(blockNumber, 16)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "eth_getBlockByNumber",
		Params:  []interface{}{hexBlock, true},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ClassifiedError{Class: ClassTransport, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &ClassifiedError{Class: ClassTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ClassifiedError{Class: ClassTimeout, Err: err}
		}
		return nil, &ClassifiedError{Class: ClassTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ClassifiedError{Class: ClassTransport, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, &ClassifiedError{Class: ClassTransport, Err: err}
	}

	if rpcResp.Error != nil {
		return nil, &ClassifiedError{Class: ClassUpstream, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if rpcResp.Result == nil {
		return nil, &ClassifiedError{Class: ClassNotFound}
	}

	addrs := make(map[string]struct{})
	for _, tx := range rpcResp.Result.Transactions {
		from := strings.TrimSpace(tx.From)
		to := strings.TrimSpace(tx.To)
		if from != "" {
			addrs[from] = struct{}{}
		}
		if to != "" {
			addrs[to] = struct{}{}
		}
	}

	ts, _ := parseHexSeconds(rpcResp.Result.Timestamp)
	return &Block{
		Addresses: addrs,
		BlockHash: rpcResp.Result.Hash,
		TxCount:   len(rpcResp.Result.Transactions),
		Timestamp: ts,
	}, nil
}

func parseHexSeconds(hex string) (time.Time, error) {
	hex = strings.TrimPrefix(hex, "0x")
	if hex == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// NormalizeBlockNumber accepts either a decimal or 0x-prefixed hex string
// and returns the numeric block number. Used at the single-block call site
// mentioned in spec.md §4.2.
func NormalizeBlockNumber(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex block number %q: %w", s, err)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal block number %q: %w", s, err)
	}
	return n, nil
}
