package abcmint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode is a minimal JSON-RPC endpoint for client tests.
func fakeNode(t *testing.T, handler func(req rpcRequest) (interface{}, error)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := handler(req)
		resp := map[string]interface{}{"id": 1, "error": nil, "result": result}
		if err != nil {
			resp["result"] = nil
			resp["error"] = map[string]interface{}{"code": -1, "message": err.Error()}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{
		Host: strings.TrimPrefix(srv.URL, "http://"),
		User: "u",
		Pass: "p",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(client.Shutdown)
	return client, srv
}

func TestListUnspentKeepsExactAmounts(t *testing.T) {
	client, _ := fakeNode(t, func(req rpcRequest) (interface{}, error) {
		if req.Method != "listunspent" {
			return nil, fmt.Errorf("unexpected method %s", req.Method)
		}
		return json.RawMessage(`[{"txid":"aa","vout":1,"address":"8X","amount":0.10000001,"confirmations":3}]`), nil
	})

	utxos, err := client.ListUnspent(0)
	if err != nil {
		t.Fatalf("ListUnspent: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	if !utxos[0].Amount.Equal(decimal.RequireFromString("0.10000001")) {
		t.Errorf("amount = %s, want 0.10000001", utxos[0].Amount)
	}
}

func TestCreateRawTransactionSendsStringAmounts(t *testing.T) {
	var gotOutputs atomic.Value
	client, _ := fakeNode(t, func(req rpcRequest) (interface{}, error) {
		if req.Method == "createrawtransaction" {
			gotOutputs.Store(string(req.Params[1]))
			return "deadbeef", nil
		}
		return nil, errors.New("unexpected method")
	})

	outputs := map[string]decimal.Decimal{
		"8Target": decimal.RequireFromString("1.23456789"),
	}
	hex, err := client.CreateRawTransaction([]TxInput{{TxID: "aa", Vout: 0}}, outputs)
	if err != nil {
		t.Fatalf("CreateRawTransaction: %v", err)
	}
	if hex != "deadbeef" {
		t.Errorf("hex = %q", hex)
	}
	raw, _ := gotOutputs.Load().(string)
	if !strings.Contains(raw, `"1.23456789"`) {
		t.Errorf("outputs param %q does not carry the amount as a string", raw)
	}
}

func TestSignRawTransactionHandlesBothShapes(t *testing.T) {
	shapes := []struct {
		name   string
		result interface{}
	}{
		{"object", map[string]interface{}{"hex": "cafe", "complete": true}},
		{"string", "cafe"},
	}
	for _, s := range shapes {
		t.Run(s.name, func(t *testing.T) {
			client, _ := fakeNode(t, func(req rpcRequest) (interface{}, error) {
				return s.result, nil
			})
			hex, err := client.SignRawTransaction("00")
			if err != nil {
				t.Fatalf("SignRawTransaction: %v", err)
			}
			if hex != "cafe" {
				t.Errorf("hex = %q, want cafe", hex)
			}
		})
	}
}

func TestGetTxOutSpentIsNil(t *testing.T) {
	client, _ := fakeNode(t, func(req rpcRequest) (interface{}, error) {
		return nil, nil
	})
	out, err := client.GetTxOut("aa", 0, true)
	if err != nil {
		t.Fatalf("GetTxOut: %v", err)
	}
	if out != nil {
		t.Errorf("spent outpoint should decode as nil, got %+v", out)
	}
}

func TestNonConnectionErrorsPropagateImmediately(t *testing.T) {
	var calls int32
	client, _ := fakeNode(t, func(req rpcRequest) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("Insufficient funds")
	})

	_, err := client.GetBlockCount()
	if err == nil {
		t.Fatal("want error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("logical RPC error was retried %d times, want a single attempt", n)
	}
}

func TestIsConnErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp 127.0.0.1:8332: connect: connection refused"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("-26: dust"), false},
		{errors.New("Insufficient funds"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isConnError(c.err); got != c.want {
			t.Errorf("isConnError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
