package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/config"
	"github.com/rawblock/mix-orchestrator/internal/engine"
	"github.com/rawblock/mix-orchestrator/internal/store"
	"github.com/rawblock/mix-orchestrator/internal/wallet"
)

// testTarget is a well-formed base58 address for request validation.
const testTarget = "8P3aFLXr9F6BPvzC6yR4fTiD4RzFT3wJbjhyMn5uJ1ZFARTRb"

// fakeWallet satisfies engine.Wallet with inert node behaviour; the
// handler tests only exercise job bookkeeping, not chain traffic.
type fakeWallet struct {
	addrSeq int
}

func (f *fakeWallet) NewAddress(label string) (string, error) {
	f.addrSeq++
	return testTarget[:30] + string(rune('a'+f.addrSeq%26)), nil
}
func (f *fakeWallet) Prefetch(n int)                {}
func (f *fakeWallet) ValidAddress(addr string) bool { return true }

func (f *fakeWallet) ListUnspent(minConf int) ([]abcmint.Unspent, error) { return nil, nil }
func (f *fakeWallet) ListUnspentFor(addrs []string, minConf int) ([]abcmint.Unspent, error) {
	return nil, nil
}
func (f *fakeWallet) ReceivedBy(addr string, minConf int) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeWallet) GetTransaction(txid string) (*abcmint.WalletTx, error) {
	return nil, errors.New("unknown txid")
}
func (f *fakeWallet) ListTransactions(count int) ([]abcmint.WalletTxEntry, error) { return nil, nil }
func (f *fakeWallet) GetRawTransactionVerbose(txid string) (*abcmint.RawTx, error) {
	return nil, errors.New("unknown txid")
}
func (f *fakeWallet) EstimateFee(numInputs, numOutputs int) decimal.Decimal {
	return decimal.RequireFromString("0.01")
}
func (f *fakeWallet) FeeSourceHint() string { return "constant" }
func (f *fakeWallet) ApplyDeduction(sendAmount decimal.Decimal, outs *wallet.Outputs, primary string, percent decimal.Decimal) *wallet.Outputs {
	return outs
}
func (f *fakeWallet) CreateRaw(inputs []abcmint.TxInput, outs *wallet.Outputs) (string, error) {
	return "raw", nil
}
func (f *fakeWallet) SignRaw(rawHex string) (string, error)      { return "signed", nil }
func (f *fakeWallet) Broadcast(signedHex string) (string, error) { return "txid", nil }
func (f *fakeWallet) EnsureUnlocked() error                      { return nil }

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	eng := engine.New(cfg, &fakeWallet{}, st, nil, nil)
	return SetupRouter(eng, cfg, nil, NewHub(), nil), eng
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if len(w.Body.Bytes()) > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestMixRequestReturnsQuote(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w, resp := doJSON(t, r, http.MethodPost, "/api/mix/request", gin.H{
		"amount":        "40",
		"targetAddress": testTarget,
		"shards":        3,
		"hops":          1,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["jobId"] == "" || resp["jobId"] == nil {
		t.Fatal("missing jobId")
	}
	if resp["depositAddress"] == "" || resp["depositAddress"] == nil {
		t.Fatal("missing depositAddress")
	}
	if got := resp["feePercent"]; got != "0.0059" {
		t.Fatalf("feePercent = %v, want 0.0059", got)
	}
	if got := resp["txCount"]; got != float64(9) {
		t.Fatalf("txCount = %v, want 9", got)
	}
	if got := resp["feeSource"]; got != "constant" {
		t.Fatalf("feeSource = %v", got)
	}
}

func TestMixRequestRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w, _ := doJSON(t, r, http.MethodPost, "/api/mix/request", gin.H{
		"amount": "0", "targetAddress": testTarget,
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: status = %d", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/mix/request", gin.H{
		"amount": "10", "targetAddress": "short",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad address: status = %d", w.Code)
	}
}

func TestMixStatusRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, created := doJSON(t, r, http.MethodPost, "/api/mix/request", gin.H{
		"amount": "10", "targetAddress": testTarget,
	}, nil)
	jobID, _ := created["jobId"].(string)
	if jobID == "" {
		t.Fatal("no jobId")
	}

	w, resp := doJSON(t, r, http.MethodGet, "/api/mix/status?jobId="+jobID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["jobId"] != jobID {
		t.Fatalf("jobId = %v", resp["jobId"])
	}
	if resp["depositRequired"] == nil {
		t.Fatal("missing depositRequired")
	}
	// Default tier applies when shards/hops are omitted.
	if got := resp["shards"]; got != float64(3) {
		t.Fatalf("shards = %v, want 3", got)
	}
}

func TestMixStatusUnknownJob(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, _ := doJSON(t, r, http.MethodGet, "/api/mix/status?jobId=nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestQuoteDoesNotCreateJob(t *testing.T) {
	r, eng := newTestRouter(t, nil)

	w, resp := doJSON(t, r, http.MethodPost, "/api/mix/quote", gin.H{
		"amount": "40", "shards": 5, "hops": 2,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := resp["feePercent"]; got != "0.008" {
		t.Fatalf("feePercent = %v, want 0.008", got)
	}
	if got := resp["txCount"]; got != float64(20) {
		t.Fatalf("txCount = %v, want 20", got)
	}
	if len(eng.Jobs()) != 0 {
		t.Fatal("quote must not create jobs")
	}
}

func TestTiersListsPresets(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, resp := doJSON(t, r, http.MethodGet, "/api/mix/tiers", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	tiers, ok := resp["tiers"].([]any)
	if !ok || len(tiers) != 3 {
		t.Fatalf("tiers = %v", resp["tiers"])
	}
	first := tiers[0].(map[string]any)
	if first["name"] != "SL1" {
		t.Fatalf("first tier = %v", first["name"])
	}
}

func TestResume(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w, _ := doJSON(t, r, http.MethodPost, "/api/mix/resume", gin.H{"jobId": "nope"}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", w.Code)
	}

	_, created := doJSON(t, r, http.MethodPost, "/api/mix/request", gin.H{
		"amount": "10", "targetAddress": testTarget,
	}, nil)
	jobID, _ := created["jobId"].(string)

	w, resp := doJSON(t, r, http.MethodPost, "/api/mix/resume", gin.H{"jobId": jobID}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["ok"] != true {
		t.Fatalf("ok = %v", resp["ok"])
	}
}

func TestResumeRequiresAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.Config) { c.APIKey = "sekrit" })

	w, _ := doJSON(t, r, http.MethodPost, "/api/mix/resume", gin.H{"jobId": "x"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/mix/resume", gin.H{"jobId": "x"},
		map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status = %d, want 403", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/mix/resume", gin.H{"jobId": "x"},
		map[string]string{"Authorization": "Bearer sekrit"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("right key, unknown job: status = %d, want 404", w.Code)
	}
}

func TestJobEventsWithoutDatabase(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w, resp := doJSON(t, r, http.MethodGet, "/api/mix/events?jobId=x", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if resp["error"] != "audit trail not configured" {
		t.Fatalf("error = %v", resp["error"])
	}
}

func TestJobEventsRequiresAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.Config) { c.APIKey = "sekrit" })

	w, _ := doJSON(t, r, http.MethodGet, "/api/mix/events?jobId=x", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", w.Code)
	}

	// With the right key the handler runs; no database is configured in
	// tests, so it degrades to 503 rather than 401/403.
	w, _ = doJSON(t, r, http.MethodGet, "/api/mix/events?jobId=x", nil,
		map[string]string{"Authorization": "Bearer sekrit"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("right key: status = %d, want 503", w.Code)
	}
}

func TestSystemStatusWithoutNode(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, resp := doJSON(t, r, http.MethodGet, "/api/system/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["rpcConnected"] != false {
		t.Fatalf("rpcConnected = %v", resp["rpcConnected"])
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	if ok, retry := rl.allow("1.2.3.4"); ok || retry <= 0 {
		t.Fatalf("burst exceeded: ok=%v retry=%v", ok, retry)
	}
	// Other IPs keep their own bucket.
	if ok, _ := rl.allow("5.6.7.8"); !ok {
		t.Fatal("fresh ip should pass")
	}
}
