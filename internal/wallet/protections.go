package wallet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
)

// rainbowForkHeight is the chain height of the post-quantum signature
// fork. After it (plus a safety window) transactions must carry the
// post-fork version.
const rainbowForkHeight = 267120

// forkSafetyWindow keeps enforcement lenient for the first blocks after
// the fork while the network settles.
const forkSafetyWindow = 20

const (
	txVersionLegacy   = 1
	txVersionPostfork = 101

	sequenceFinal = 0xffffffff
)

var (
	reForkHeight  = regexp.MustCompile(`(?i)fork\s+height\s*:\s*(\d+)`)
	reForkVersion = regexp.MustCompile(`(?i)Transaction\s+version\s+after\s+fork\s*:\s*(\d+)`)
)

// EnforceTxProtections decodes a signed transaction and rejects it
// before broadcast when it violates the version, finality, or script
// policy. The node never returns a reason for a rejected broadcast, so
// failing here is the only way to get a usable error message.
func (w *Wallet) EnforceTxProtections(signedHex string) error {
	decoded, err := w.rpc.DecodeRawTransaction(signedHex)
	if err != nil || decoded == nil {
		return fmt.Errorf("tx decode failed: %w", err)
	}

	height, herr := w.rpc.GetBlockCount()
	if herr != nil {
		// Assume the fork is long past when the node cannot tell us.
		height = rainbowForkHeight + 100000
	}

	if err := w.checkVersion(int(decoded.Version), height); err != nil {
		return err
	}
	if w.cfg.TxRequireFinality {
		if decoded.LockTime != 0 {
			return fmt.Errorf("finality enforcement failed: locktime %d", decoded.LockTime)
		}
		for _, in := range decoded.Vin {
			if in.Sequence != sequenceFinal {
				return fmt.Errorf("finality enforcement failed: sequence %d", in.Sequence)
			}
		}
	}
	for _, out := range decoded.Vout {
		if err := checkScript(out.ScriptPubKey); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wallet) checkVersion(version int, height int64) error {
	hintVer, hintFork := w.nodeVersionHint()
	forkHeight := int64(rainbowForkHeight)
	if hintFork > 0 {
		forkHeight = hintFork
	}
	postfork := height > forkHeight+forkSafetyWindow

	allowed := w.cfg.AllowedTxVersions()

	switch strings.ToLower(w.cfg.TxVersionMode) {
	case "strict":
		if postfork {
			if version != txVersionPostfork {
				return fmt.Errorf("version enforcement failed: got %d, want %d post-fork", version, txVersionPostfork)
			}
		} else if version != txVersionLegacy && version != txVersionPostfork {
			return fmt.Errorf("version enforcement failed: got %d pre-fork", version)
		}
	case "allow":
		if postfork {
			if allowed[version] {
				return nil
			}
			if hintVer != 0 && version == hintVer {
				return nil
			}
			return fmt.Errorf("version enforcement failed: %d not in allow-list", version)
		}
		if version != txVersionLegacy && version != txVersionPostfork && !allowed[version] {
			return fmt.Errorf("version enforcement failed: %d not in allow-list", version)
		}
	default: // postfork
		if postfork {
			target := txVersionPostfork
			if hintVer != 0 {
				target = hintVer
			}
			if version != target && !allowed[version] {
				return fmt.Errorf("version enforcement failed: got %d, want %d", version, target)
			}
		} else if version != txVersionLegacy && version != txVersionPostfork {
			return fmt.Errorf("version enforcement failed: got %d pre-fork", version)
		}
	}
	return nil
}

// nodeVersionHint scrapes getrainbowproinfo for the node's own fork
// parameters. The output is free-form text, so both values are best
// effort and zero means unknown.
func (w *Wallet) nodeVersionHint() (version int, forkHeight int64) {
	s, err := w.rpc.GetRainbowProInfo()
	if err != nil || s == "" {
		return 0, 0
	}
	if m := reForkHeight.FindStringSubmatch(s); m != nil {
		if h, perr := strconv.ParseInt(m[1], 10, 64); perr == nil {
			forkHeight = h
		}
	}
	if m := reForkVersion.FindStringSubmatch(s); m != nil {
		if v, perr := strconv.Atoi(m[1]); perr == nil {
			version = v
		}
	}
	return version, forkHeight
}

// checkScript rejects output script types the mixer must never
// produce. Witness programs do not exist on this chain and a
// nonstandard type means the node could not classify the script.
func checkScript(spk abcmint.ScriptPubKey) error {
	switch strings.ToLower(spk.Type) {
	case "nonstandard", "witness_v0_keyhash", "witness_v0_scripthash":
		return fmt.Errorf("nonstandard script rejected: %s", spk.Type)
	case "multisig":
		if spk.ReqSigs < 1 || spk.ReqSigs > 3 {
			return fmt.Errorf("multisig reqSigs out of range: %d", spk.ReqSigs)
		}
	}
	return nil
}
