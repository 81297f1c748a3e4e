package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mudra/internal/config"
	"github.com/harun/mudra/pkg/gateway"
)

// gatewayClient calls a running daemon over its HTTP gateway.
type gatewayClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newGatewayClient(cfg *config.Config) *gatewayClient {
	return &gatewayClient{
		baseURL: "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		secret:  cfg.Gateway.SharedSecret,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}
}

// call issues one JSON-RPC request and decodes the result into out.
func (c *gatewayClient) call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(gateway.RPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(gateway.TokenHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("daemon rejected the gateway shared secret")
	}

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("invalid daemon response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

type healthReport struct {
	Status  string `json:"status"`
	Plugins int    `json:"plugins"`
	Clients int    `json:"clients"`
}

func (c *gatewayClient) health(ctx context.Context) (*healthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}
