package models

import (
	"math/big"
	"strings"
	"time"
)

// Transaction is a normalized mempool transaction envelope. It is immutable
// once ingested; the pipeline never mutates a transaction after decode.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     string    `json:"value,omitempty"`
	GasPrice  uint64    `json:"gas_price"`
	Input     string    `json:"input,omitempty"`
	Timestamp time.Time `json:"observed_at"`
	Sequence  uint64    `json:"sequence"`
}

// TxRef is the lightweight window projection of a transaction: just the
// fields rule logic needs, never the full envelope.
type TxRef struct {
	Hash        string
	Counterpart string
	GasPrice    uint64
	Timestamp   time.Time
	Seq         uint64
}

// Selector returns the 4-byte function selector from the call data as
// lowercase hex without the 0x prefix, or "" when the input is too short.
func (t *Transaction) Selector() string {
	data := strings.TrimPrefix(strings.ToLower(t.Input), "0x")
	if len(data) < 8 {
		return ""
	}
	return data[:8]
}

// CallArgAddress returns the i-th 32-byte call argument interpreted as an
// address (last 20 bytes, 0x-prefixed lowercase hex).
func (t *Transaction) CallArgAddress(i int) (string, bool) {
	word, ok := t.callWord(i)
	if !ok || len(word) != 64 {
		return "", false
	}
	return "0x" + word[24:], true
}

// CallArgUint returns the i-th 32-byte call argument as an unsigned integer.
func (t *Transaction) CallArgUint(i int) (*big.Int, bool) {
	word, ok := t.callWord(i)
	if !ok {
		return nil, false
	}
	v, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return nil, false
	}
	return v, true
}

func (t *Transaction) callWord(i int) (string, bool) {
	data := strings.TrimPrefix(strings.ToLower(t.Input), "0x")
	start := 8 + i*64
	end := start + 64
	if len(data) < end {
		return "", false
	}
	return data[start:end], true
}
