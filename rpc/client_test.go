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

package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNode records every request and answers through a pluggable handler,
// mimicking a bitcoind-style endpoint (HTTP 500 for RPC-level errors).
type fakeNode struct {
	t *testing.T

	mu      sync.Mutex
	methods []string
	ids     []uint64
	user    string
	pass    string

	handle func(call int, method string, params []json.RawMessage) (any, *NodeError)
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("undecodable request: %v", err)
		return
	}

	f.mu.Lock()
	f.user, f.pass, _ = r.BasicAuth()
	f.methods = append(f.methods, req.Method)
	f.ids = append(f.ids, req.ID)
	call := len(f.methods)
	f.mu.Unlock()

	result, nodeErr := f.handle(call, req.Method, req.Params)
	resp := map[string]any{"result": result, "error": nodeErr, "id": req.ID}
	if nodeErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		f.t.Errorf("encode response: %v", err)
	}
}

func (f *fakeNode) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func newTestClient(t *testing.T, retries int, handle func(call int, method string, params []json.RawMessage) (any, *NodeError)) (*NodeClient, *fakeNode) {
	t.Helper()
	node := &fakeNode{t: t, handle: handle}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	client, err := NewNodeClient(Config{
		URL:        srv.URL,
		User:       "rpcuser",
		Password:   "rpcpass",
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return client, node
}

func TestSequentialRequestIDs(t *testing.T) {
	client, node := newTestClient(t, 0, func(int, string, []json.RawMessage) (any, *NodeError) {
		return 123, nil
	})
	for i := 0; i < 3; i++ {
		if _, err := client.BlockCount(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	for i, id := range node.ids {
		if want := uint64(i + 1); id != want {
			t.Errorf("request %d: id %d, want %d", i, id, want)
		}
	}
	if node.user != "rpcuser" || node.pass != "rpcpass" {
		t.Errorf("basic auth: have %s/%s", node.user, node.pass)
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	client, node := newTestClient(t, 3, func(int, string, []json.RawMessage) (any, *NodeError) {
		return nil, &NodeError{Code: -5, Message: "No such mempool or blockchain transaction"}
	})
	_, err := client.RawTransactionVerbose(context.Background(), "ff00")
	if !IsNotFound(err) {
		t.Fatalf("have %v, want not-found node error", err)
	}
	if n := len(node.calls()); n != 1 {
		t.Errorf("terminal error hit the node %d times, want 1", n)
	}
}

func TestTransientNodeErrorRetried(t *testing.T) {
	client, node := newTestClient(t, 3, func(call int, _ string, _ []json.RawMessage) (any, *NodeError) {
		if call <= 2 {
			return nil, &NodeError{Code: -28, Message: "Loading block index..."}
		}
		return 840000, nil
	})
	count, err := client.BlockCount(context.Background())
	require.NoError(t, err)
	if count != 840000 {
		t.Errorf("have %d, want 840000", count)
	}
	if n := len(node.calls()); n != 3 {
		t.Errorf("have %d attempts, want 3", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	client, node := newTestClient(t, 2, func(int, string, []json.RawMessage) (any, *NodeError) {
		return nil, &NodeError{Code: -28, Message: "Loading block index..."}
	})
	_, err := client.BlockCount(context.Background())
	if err == nil {
		t.Fatal("want error after retries exhausted")
	}
	if n := len(node.calls()); n != 3 {
		t.Errorf("have %d attempts, want 3 (1 + 2 retries)", n)
	}
}

func TestTransportFailureRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			// Kill the connection mid-exchange to force a transport error.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"result": 7, "error": nil, "id": req.ID})
	}))
	defer srv.Close()

	client, err := NewNodeClient(Config{
		URL: srv.URL, User: "u", Password: "p",
		MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	count, err := client.BlockCount(context.Background())
	require.NoError(t, err)
	if count != 7 {
		t.Errorf("have %d, want 7", count)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("have %d attempts, want 2", calls)
	}
}

func TestResponseIDMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": 7, "error": nil, "id": 9999})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		URL: srv.URL, User: "u", Password: "p",
		MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Second,
	})
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "getblockcount")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestNewClientValidation(t *testing.T) {
	base := Config{URL: "http://localhost:8332", Timeout: time.Second}

	if _, err := NewClient(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := base
	bad.URL = "tcp://localhost:8332"
	if _, err := NewClient(bad); err == nil {
		t.Error("non-http scheme accepted")
	}
	bad = base
	bad.Timeout = 0
	if _, err := NewClient(bad); err == nil {
		t.Error("zero timeout accepted")
	}
	bad = base
	bad.MaxRetries = -1
	if _, err := NewClient(bad); err == nil {
		t.Error("negative retries accepted")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 10, maxRetryDelay},
		{0, 1, time.Second}, // unset base falls back to one second
	}
	for _, tt := range tests {
		if have := backoff(tt.base, tt.attempt); have != tt.want {
			t.Errorf("backoff(%v, %d) = %v, want %v", tt.base, tt.attempt, have, tt.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{&TransportError{Op: "request", Err: context.DeadlineExceeded}, true},
		{&ProtocolError{Reason: "garbage"}, true},
		{&NodeError{Code: -28, Message: "warmup"}, true},
		{&NodeError{Code: -5, Message: "not found"}, false},
		{&NodeError{Code: -8, Message: "bad param"}, false},
		{&NodeError{Code: -32601, Message: "method not found"}, false},
		{&NodeError{Code: -32602, Message: "invalid params"}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if have := Retryable(tt.err); have != tt.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, have, tt.retryable)
		}
	}
}
