// Package probe implements the stateless EL/CL probe clients of spec.md
// §4.2: pure I/O functions that query one upstream and return a liveness
// indicator plus a head number. A probe failure is a kind, not an error
// class; the Health Monitor never treats it as fatal.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chainbound/vixy/internal/hexutil"
)

// DefaultTimeout is the per-request bound each probe enforces independently
// of the global proxy timeout, so a stuck upstream cannot stall the monitor
// (spec.md §4.2).
const DefaultTimeout = 5 * time.Second

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonrpcResponse struct {
	Result *string         `json:"result"`
	Error  *jsonrpcErrObj  `json:"error"`
}

type jsonrpcErrObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EL probes a single EL node's http endpoint with eth_blockNumber and
// returns its current block height. It fails on network failure,
// non-parseable body, a JSON-RPC "error" object, a missing result, or a hex
// parse failure — all folded into a single error the caller treats as
// ProbeFailure (spec.md §4.2, §7).
func EL(ctx context.Context, client *http.Client, httpURL string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	reqBody, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_blockNumber",
		Params:  []any{},
		ID:      1,
	})
	if err != nil {
		return 0, fmt.Errorf("probe.EL: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL, bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("probe.EL: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe.EL: request %q: %w", httpURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("probe.EL: read response body: %w", err)
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return 0, fmt.Errorf("probe.EL: unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return 0, fmt.Errorf("probe.EL: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return 0, fmt.Errorf("probe.EL: missing result field")
	}
	block, err := hexutil.DecodeUint64(*rpcResp.Result)
	if err != nil {
		return 0, fmt.Errorf("probe.EL: parse result %q: %w", *rpcResp.Result, err)
	}
	return block, nil
}

// beaconHeadResponse models the subset of GET /eth/v1/beacon/headers/head
// the CL probe needs.
type beaconHeadResponse struct {
	Data struct {
		Header struct {
			Message struct {
				Slot string `json:"slot"`
			} `json:"message"`
		} `json:"header"`
	} `json:"data"`
}

// CL issues the two independent GETs spec.md §4.2 describes and returns
// (health_ok, slot). The health GET's connection failure is not itself an
// error (it maps to health_ok=false); a failure on the headers GET is
// returned as an error since there is no slot to report without it.
func CL(ctx context.Context, client *http.Client, baseURL string) (healthOK bool, slot uint64, err error) {
	healthOK = checkHealth(ctx, client, baseURL)

	slot, err = fetchHeadSlot(ctx, client, baseURL)
	if err != nil {
		return healthOK, 0, fmt.Errorf("probe.CL: %w", err)
	}
	return healthOK, slot, nil
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/eth/v1/node/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func fetchHeadSlot(ctx context.Context, client *http.Client, baseURL string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/eth/v1/beacon/headers/head", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("headers/head returned status %d", resp.StatusCode)
	}

	var parsed beaconHeadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}
	slot, err := hexutil.DecodeDecimalUint64(parsed.Data.Header.Message.Slot)
	if err != nil {
		return 0, fmt.Errorf("parse slot %q: %w", parsed.Data.Header.Message.Slot, err)
	}
	return slot, nil
}
