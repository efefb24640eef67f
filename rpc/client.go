// Copyright 2024 The chainwatch Authors
// This file is part of the chainwatch library.
//
// The chainwatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainwatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainwatch library. If not, see <http://www.gnu.org/licenses/>.

// Package rpc implements the JSON-RPC client the monitors use to talk to
// bitcoind-family nodes (bitcoind, zcashd and their relatives share the
// same wire conventions). The base client handles authentication, retries
// with exponential backoff and error classification; NodeClient layers the
// typed node surface on top.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/coinharbor/chainwatch/metrics"
)

const (
	// maxResponseBytes bounds a single response body. A verbosity-2 block
	// on a busy chain runs to a few MB; 64MB leaves ample headroom.
	maxResponseBytes = 64 << 20

	// maxRetryDelay caps the exponential backoff between attempts.
	maxRetryDelay = 30 * time.Second
)

// Config carries the connection settings for one node.
type Config struct {
	URL        string        // http://host:port
	User       string        // rpcuser
	Password   string        // rpcpassword
	MaxRetries int           // attempts beyond the first
	RetryDelay time.Duration // initial backoff, doubled per retry
	Timeout    time.Duration // per-attempt deadline
	RateLimit  rate.Limit    // requests per second, 0 disables the limiter
}

// Client is a JSON-RPC 1.0 client for a single node endpoint. It is safe
// for concurrent use.
type Client struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	nextID  atomic.Uint64
	log     *logrus.Entry
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *NodeError      `json:"error"`
	ID     uint64          `json:"id"`
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid rpc url %q", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid rpc url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("rpc timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("rpc max retries must not be negative")
	}
	c := &Client{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: logrus.WithFields(logrus.Fields{"module": "rpc", "node": u.Host}),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	return c, nil
}

// Call performs one JSON-RPC call, retrying transient failures. Terminal
// node errors (unknown method, bad params, missing tx or block) come back
// on the first round trip.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RPCRetries.WithLabelValues(method).Inc()
			delay := backoff(c.cfg.RetryDelay, attempt)
			c.log.WithFields(logrus.Fields{
				"method":  method,
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Debug("retrying rpc call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result, err := c.do(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retryable(err) {
			metrics.RPCErrors.WithLabelValues(method, errKind(err)).Inc()
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	metrics.RPCErrors.WithLabelValues(method, errKind(lastErr)).Inc()
	return nil, errors.Wrapf(lastErr, "%s failed after %d attempts", method, c.cfg.MaxRetries+1)
}

// CallResult is Call plus unmarshalling of the result.
func (c *Client) CallResult(ctx context.Context, method string, result any, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s result: %v", method, err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "1.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s request", method)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	// Nodes answer RPC-level errors with HTTP 500 and a JSON body, so
	// decode first and fall back to the status code only when the body is
	// not JSON-RPC (401s, proxies, load balancers).
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &TransportError{Op: "status", Err: errors.Errorf("http %d", resp.StatusCode)}
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf("undecodable response: %v", err)}
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.ID != id {
		return nil, &ProtocolError{Reason: fmt.Sprintf("response id %d for request %d", rpcResp.ID, id)}
	}
	return rpcResp.Result, nil
}

// backoff returns the delay before the given retry attempt (1-based),
// doubling from base and capped at maxRetryDelay.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}

func errKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsNotFound(err):
		return "not_found"
	default:
		var nodeErr *NodeError
		var transportErr *TransportError
		var protoErr *ProtocolError
		switch {
		case errors.As(err, &nodeErr):
			return "node"
		case errors.As(err, &transportErr):
			return "transport"
		case errors.As(err, &protoErr):
			return "protocol"
		}
	}
	return "other"
}
