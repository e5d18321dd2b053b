// Package abcmint is a thin JSON-RPC client for an ABCMint node. The
// node speaks the classic Bitcoin wallet RPC dialect, so the transport
// is btcd's rpcclient in HTTP POST mode; every call goes through
// RawRequest because the amounts must stay exact decimals and several
// methods (getrainbowproinfo, signrawtransaction) are chain-specific.
package abcmint

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// DefaultAddrConfig is the rainbow key parameter passed to
// getnewaddress on this chain.
const DefaultAddrConfig = 274

const (
	connRetries      = 3
	connRetryBackoff = time.Second
)

type Config struct {
	Host string
	User string
	Pass string
}

// Client wraps the node RPC. Connection-class failures are retried
// with exponential backoff and a fresh transport between attempts;
// every other error propagates immediately.
type Client struct {
	cfg Config
	log *log.Logger

	mu  sync.Mutex
	rpc *rpcclient.Client
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: log.Default().WithPrefix("rpc"),
	}
	rpc, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.rpc = rpc
	return c, nil
}

func (c *Client) dial() (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         c.cfg.Host,
		User:         c.cfg.User,
		Pass:         c.cfg.Pass,
		HTTPPostMode: true, // the node only supports HTTP POST
		DisableTLS:   true,
	}
	return rpcclient.New(connCfg, nil)
}

func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Shutdown()
	}
}

// isConnError reports whether an RPC failure looks like a transport
// problem rather than a node-side rejection.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"use of closed network connection",
		"broken pipe",
		"unexpected eof",
		"eof",
		"no response",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// Call performs one JSON-RPC call. Params are marshaled here so that
// decimal amounts can be sent as strings by the callers that need to.
func (c *Client) Call(method string, params ...interface{}) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal param %d: %w", method, i, err)
		}
		raw[i] = b
	}

	var lastErr error
	backoff := connRetryBackoff
	for attempt := 0; attempt < connRetries; attempt++ {
		c.mu.Lock()
		rpc := c.rpc
		c.mu.Unlock()

		res, err := rpc.RawRequest(method, raw)
		if err == nil {
			return res, nil
		}
		if !isConnError(err) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		lastErr = err
		c.log.Warn("connection error, retrying", "method", method, "attempt", attempt+1, "err", err)
		time.Sleep(backoff)
		backoff *= 2

		// Force a fresh HTTP transport before the next attempt.
		if fresh, derr := c.dial(); derr == nil {
			c.mu.Lock()
			c.rpc.Shutdown()
			c.rpc = fresh
			c.mu.Unlock()
		}
	}
	return nil, fmt.Errorf("%s: %w", method, lastErr)
}

func (c *Client) call(out interface{}, method string, params ...interface{}) error {
	res, err := c.Call(method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// ── chain state ──────────────────────────────────────────────────────

func (c *Client) GetBlockCount() (int64, error) {
	var height int64
	err := c.call(&height, "getblockcount")
	return height, err
}

func (c *Client) GetBlockHash(height int64) (string, error) {
	var hash string
	err := c.call(&hash, "getblockhash", height)
	return hash, err
}

// Block is the subset of getblock used by the orchestrator.
type Block struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Time   int64  `json:"time"`
}

func (c *Client) GetBlock(hash string) (*Block, error) {
	var b Block
	if err := c.call(&b, "getblock", hash); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetDifficulty() (decimal.Decimal, error) {
	var d decimal.Decimal
	err := c.call(&d, "getdifficulty")
	return d, err
}

func (c *Client) GetPeerInfo() ([]btcjson.GetPeerInfoResult, error) {
	var peers []btcjson.GetPeerInfoResult
	err := c.call(&peers, "getpeerinfo")
	return peers, err
}

// Info is the getinfo result. Only the fields the orchestrator reads
// are modeled; PayTxFee must stay an exact decimal, which rules out
// the btcjson struct.
type Info struct {
	Blocks        int64           `json:"blocks"`
	PayTxFee      decimal.Decimal `json:"paytxfee"`
	UnlockedUntil *int64          `json:"unlocked_until"`
}

func (c *Client) GetInfo() (*Info, error) {
	var info Info
	if err := c.call(&info, "getinfo"); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetRainbowProInfo returns the node's human-readable fork/version
// hint string.
func (c *Client) GetRainbowProInfo() (string, error) {
	var s string
	err := c.call(&s, "getrainbowproinfo")
	return s, err
}

// ── addresses ────────────────────────────────────────────────────────

func (c *Client) GetNewAddress() (string, error) {
	var addr string
	if err := c.call(&addr, "getnewaddress", DefaultAddrConfig); err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("getnewaddress: empty address")
	}
	return addr, nil
}

func (c *Client) ValidateAddress(addr string) (*btcjson.ValidateAddressWalletResult, error) {
	var res btcjson.ValidateAddressWalletResult
	if err := c.call(&res, "validateaddress", addr); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SetAccount(addr, label string) error {
	return c.call(nil, "setaccount", addr, label)
}

// ── wallet queries ───────────────────────────────────────────────────

// Unspent is one listunspent entry with the amount kept exact.
type Unspent struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	ScriptPubKey  string          `json:"scriptPubKey"`
}

func (c *Client) ListUnspent(minConf int) ([]Unspent, error) {
	var utxos []Unspent
	err := c.call(&utxos, "listunspent", minConf)
	return utxos, err
}

func (c *Client) ListUnspentAddresses(minConf, maxConf int, addrs []string) ([]Unspent, error) {
	var utxos []Unspent
	err := c.call(&utxos, "listunspent", minConf, maxConf, addrs)
	return utxos, err
}

// WalletTxEntry is one listtransactions row.
type WalletTxEntry struct {
	TxID          string          `json:"txid"`
	Address       string          `json:"address"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

func (c *Client) ListTransactions(count, skip int) ([]WalletTxEntry, error) {
	var txs []WalletTxEntry
	err := c.call(&txs, "listtransactions", "*", count, skip)
	return txs, err
}

// WalletTx is the wallet's view of one transaction (gettransaction).
type WalletTx struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	Hex           string          `json:"hex"`
}

func (c *Client) GetTransaction(txid string) (*WalletTx, error) {
	var tx WalletTx
	if err := c.call(&tx, "gettransaction", txid); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) GetReceivedByAddress(addr string, minConf int) (decimal.Decimal, error) {
	var amt decimal.Decimal
	err := c.call(&amt, "getreceivedbyaddress", addr, minConf)
	return amt, err
}

// TxOut is the gettxout result subset.
type TxOut struct {
	Value         decimal.Decimal `json:"value"`
	Confirmations int64           `json:"confirmations"`
	ScriptPubKey  ScriptPubKey    `json:"scriptPubKey"`
}

func (c *Client) GetTxOut(txid string, vout uint32, includeMempool bool) (*TxOut, error) {
	res, err := c.Call("gettxout", txid, vout, includeMempool)
	if err != nil {
		return nil, err
	}
	// A spent outpoint decodes as JSON null.
	if len(res) == 0 || string(res) == "null" {
		return nil, nil
	}
	var out TxOut
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("gettxout: decode result: %w", err)
	}
	return &out, nil
}

// ── raw transactions ─────────────────────────────────────────────────

// TxInput identifies an outpoint for createrawtransaction.
type TxInput struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type ScriptPubKey struct {
	Hex       string   `json:"hex"`
	Type      string   `json:"type"`
	ReqSigs   int      `json:"reqSigs"`
	Addresses []string `json:"addresses"`
}

type RawTxVin struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence"`
}

type RawTxVout struct {
	Value        decimal.Decimal `json:"value"`
	N            uint32          `json:"n"`
	ScriptPubKey ScriptPubKey    `json:"scriptPubKey"`
}

// RawTx is a decoded transaction (decoderawtransaction or verbose
// getrawtransaction).
type RawTx struct {
	TxID     string      `json:"txid"`
	Version  int32       `json:"version"`
	LockTime uint32      `json:"locktime"`
	Vin      []RawTxVin  `json:"vin"`
	Vout     []RawTxVout `json:"vout"`
}

// CreateRawTransaction builds an unsigned transaction. Output amounts
// are serialised as strings (decimal.Decimal marshals quoted) so the
// node parses them without any float round trip.
func (c *Client) CreateRawTransaction(inputs []TxInput, outputs map[string]decimal.Decimal) (string, error) {
	var hex string
	if err := c.call(&hex, "createrawtransaction", inputs, outputs); err != nil {
		return "", err
	}
	if hex == "" {
		return "", fmt.Errorf("createrawtransaction: empty result")
	}
	return hex, nil
}

// SignRawTransaction signs via the wallet. Older nodes return a bare
// hex string, newer ones an object with a hex field; both are handled.
func (c *Client) SignRawTransaction(rawHex string) (string, error) {
	res, err := c.Call("signrawtransaction", rawHex)
	if err != nil {
		return "", err
	}
	var obj struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(res, &obj); err == nil && obj.Hex != "" {
		return obj.Hex, nil
	}
	var s string
	if err := json.Unmarshal(res, &s); err == nil && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("signrawtransaction: unrecognised result")
}

func (c *Client) SendRawTransaction(signedHex string) (string, error) {
	var txid string
	if err := c.call(&txid, "sendrawtransaction", signedHex); err != nil {
		return "", err
	}
	if txid == "" {
		return "", fmt.Errorf("sendrawtransaction: empty txid")
	}
	return txid, nil
}

func (c *Client) DecodeRawTransaction(rawHex string) (*RawTx, error) {
	var tx RawTx
	if err := c.call(&tx, "decoderawtransaction", rawHex); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) GetRawTransactionVerbose(txid string) (*RawTx, error) {
	var tx RawTx
	if err := c.call(&tx, "getrawtransaction", txid, 1); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ── wallet control ───────────────────────────────────────────────────

func (c *Client) WalletPassphrase(passphrase string, timeoutSec int) error {
	return c.call(nil, "walletpassphrase", passphrase, timeoutSec)
}
