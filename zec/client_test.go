// Copyright 2025 The chainwatch Authors
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

package zec

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/rpc"
)

type recordedCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     uint64            `json:"id"`
}

// newTestClient backs a Client with a stub zcashd that records the request
// and answers with the scripted result.
func newTestClient(t *testing.T, result string) (*Client, *recordedCall) {
	t.Helper()
	last := &recordedCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(last))
		resp := struct {
			Result json.RawMessage `json:"result"`
			Error  *rpc.NodeError  `json:"error"`
			ID     uint64          `json:"id"`
		}{Result: json.RawMessage(result), ID: last.ID}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(rpc.Config{
		URL:        srv.URL,
		User:       "rpcuser",
		Password:   "rpcpass",
		MaxRetries: 0,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	return c, last
}

func TestListUnspent(t *testing.T) {
	c, last := newTestClient(t, `[
		{"txid":"aa11","vout":0,"address":"t1watch","amount":1.5,"amountZat":150000000,"confirmations":2,"spendable":false},
		{"txid":"bb22","vout":1,"address":"t1watch","amount":0.1,"confirmations":0,"spendable":false}
	]`)

	utxos, err := c.ListUnspent(context.Background(), []string{"t1watch"})
	require.NoError(t, err)

	if last.Method != "listunspent" {
		t.Fatalf("method: have %s, want listunspent", last.Method)
	}
	require.Len(t, last.Params, 3)
	if got := string(last.Params[0]); got != "0" {
		t.Errorf("minconf param: have %s, want 0", got)
	}
	if got := string(last.Params[1]); got != "9999999" {
		t.Errorf("maxconf param: have %s, want 9999999", got)
	}
	if got := string(last.Params[2]); got != `["t1watch"]` {
		t.Errorf("addresses param: have %s", got)
	}

	require.Len(t, utxos, 2)
	if got := types.FormatAmount(utxos[0].Value()); got != "1.50000000" {
		t.Errorf("zatoshi-backed value: have %s, want 1.50000000", got)
	}
	// No amountZat field: the decimal amount is used as-is, still exact.
	if got := types.FormatAmount(utxos[1].Value()); got != "0.10000000" {
		t.Errorf("decimal value: have %s, want 0.10000000", got)
	}
}

func TestZListReceivedByAddress(t *testing.T) {
	memoHex := hex.EncodeToString([]byte("order-77"))
	c, last := newTestClient(t, `[
		{"txid":"cc33","amount":0.75,"amountZat":75000000,"memo":"`+memoHex+`","outindex":0,"confirmations":3,"change":false},
		{"txid":"dd44","amount":0.01,"amountZat":1000000,"memo":"f6","outindex":1,"confirmations":3,"change":true}
	]`)

	notes, err := c.ZListReceivedByAddress(context.Background(), "zs1watch")
	require.NoError(t, err)

	if last.Method != "z_listreceivedbyaddress" {
		t.Fatalf("method: have %s, want z_listreceivedbyaddress", last.Method)
	}
	require.Len(t, last.Params, 2)
	if got := string(last.Params[0]); got != `"zs1watch"` {
		t.Errorf("address param: have %s", got)
	}
	if got := string(last.Params[1]); got != "0" {
		t.Errorf("minconf param: have %s, want 0", got)
	}

	require.Len(t, notes, 2)
	if got := types.FormatAmount(notes[0].Value()); got != "0.75000000" {
		t.Errorf("note value: have %s, want 0.75000000", got)
	}
	memo, err := DecodeMemo(notes[0].Memo)
	require.NoError(t, err)
	if memo != "order-77" {
		t.Errorf("memo: have %q, want order-77", memo)
	}
	if !notes[1].Change {
		t.Error("change flag lost in decode")
	}
}

func TestZImportViewingKey(t *testing.T) {
	c, last := newTestClient(t, `null`)

	err := c.ZImportViewingKey(context.Background(), "zxviews1key", RescanWhenKeyIsNew, 419200)
	require.NoError(t, err)

	if last.Method != "z_importviewingkey" {
		t.Fatalf("method: have %s, want z_importviewingkey", last.Method)
	}
	require.Len(t, last.Params, 3)
	if got := string(last.Params[0]); got != `"zxviews1key"` {
		t.Errorf("key param: have %s", got)
	}
	if got := string(last.Params[1]); got != `"whenkeyisnew"` {
		t.Errorf("rescan param: have %s", got)
	}
	if got := string(last.Params[2]); got != "419200" {
		t.Errorf("start height param: have %s, want 419200", got)
	}
}

func TestZValidateAddress(t *testing.T) {
	c, last := newTestClient(t, `{"isvalid":true,"address":"zs1watch","address_type":"sapling"}`)

	info, err := c.ZValidateAddress(context.Background(), "zs1watch")
	require.NoError(t, err)
	if last.Method != "z_validateaddress" {
		t.Fatalf("method: have %s, want z_validateaddress", last.Method)
	}
	if !info.IsValid || info.Type != "sapling" {
		t.Errorf("decode: have %+v", info)
	}
}

func TestIsShieldedAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"zs1z7rejlpsa98s2rrrfkwmaxu53e4ue0ulcrw0h4x5g8jl04tak0d3mm47vdtpcy", true},
		{"ztestsapling1n0000000000000000000000000000000000000000000000000", true},
		{"zregtestsapling1abcdef", true},
		{"zcBqWB8VDjVER7uLKb4oHp2v54v2a1jKd9o4FY7mdgQ3gDfG8MiZLvdQga8JK3t5", true},
		{"u1lmy8anuylj33arxh3sx7ysq54tuw7zehsv6pdeeaqlrhkjhm3uvl9egqxqfd7hc", true},
		{"utest10c5kutapazdnf8ztl3pu43nkfsjx89fy3uuff8tsmxm6s86j37pe7uz94z5jhkl49pqe8yz75rlsaygexk6jpaxwx0esjr8wm5ut7d5s", true},
		{"t1KVxyzT1kK9yJrzXJvW2pEny9ebGAnSMkR", false},
		{"t3Vz22vK5z2LcKEdg16Yv4FFneEL1zg9ojd", false},
		{"tmEKorfMfJNkZwXp1dDYK8bcxUL9v2TzgMN", false},
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsShieldedAddress(tt.addr); got != tt.want {
			t.Errorf("IsShieldedAddress(%q): have %v, want %v", tt.addr, got, tt.want)
		}
	}
}
