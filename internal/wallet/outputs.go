package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/feemodel"
)

// Outputs is an insertion-ordered address→amount map for transaction
// construction. Order matters: the deduction splice falls back to
// "the first output" when no primary hint matches, and a Go map
// cannot express that.
type Outputs struct {
	order   []string
	amounts map[string]decimal.Decimal
}

func NewOutputs() *Outputs {
	return &Outputs{amounts: make(map[string]decimal.Decimal)}
}

// Set assigns the amount for an address, keeping its original
// position when it already exists.
func (o *Outputs) Set(addr string, amt decimal.Decimal) {
	if _, ok := o.amounts[addr]; !ok {
		o.order = append(o.order, addr)
	}
	o.amounts[addr] = amt
}

// Add accumulates onto an address, inserting it if absent.
func (o *Outputs) Add(addr string, amt decimal.Decimal) {
	cur, _ := o.amounts[addr]
	o.Set(addr, feemodel.Quantize(cur.Add(amt)))
}

func (o *Outputs) Get(addr string) (decimal.Decimal, bool) {
	v, ok := o.amounts[addr]
	return v, ok
}

func (o *Outputs) Len() int {
	return len(o.order)
}

// First returns the first inserted address, or "" when empty.
func (o *Outputs) First() string {
	if len(o.order) == 0 {
		return ""
	}
	return o.order[0]
}

func (o *Outputs) Addresses() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Total sums all output amounts.
func (o *Outputs) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range o.amounts {
		total = total.Add(a)
	}
	return total
}

// Clone returns an independent copy.
func (o *Outputs) Clone() *Outputs {
	c := NewOutputs()
	for _, addr := range o.order {
		c.Set(addr, o.amounts[addr])
	}
	return c
}

// Map renders the outputs for the createrawtransaction RPC.
func (o *Outputs) Map() map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(o.amounts))
	for k, v := range o.amounts {
		m[k] = v
	}
	return m
}
