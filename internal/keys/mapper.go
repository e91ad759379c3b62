package keys

import (
	"time"

	"mempoolwatch/pkg/models"
)

// Insert is one window insertion derived from a transaction.
type Insert struct {
	Key    string
	Window time.Duration
	Ref    models.TxRef
}

// Mapper derives window insertions from transactions.
type Mapper struct {
	poolWindow time.Duration
	fanWindow  time.Duration
}

// NewMapper creates a mapper with the configured per-family windows.
func NewMapper(poolWindow, fanWindow time.Duration) *Mapper {
	if poolWindow <= 0 {
		poolWindow = 30 * time.Second
	}
	if fanWindow <= 0 {
		fanWindow = 10 * time.Second
	}
	return &Mapper{poolWindow: poolWindow, fanWindow: fanWindow}
}

// Map returns the window insertions for tx. The counterpart recorded in
// each ref is the address on the far side of that window's key.
func (m *Mapper) Map(tx *models.Transaction) []Insert {
	base := models.TxRef{
		Hash:      tx.Hash,
		GasPrice:  tx.GasPrice,
		Timestamp: tx.Timestamp,
	}

	out := make([]Insert, 0, 3)
	if tx.To != "" {
		poolRef := base
		poolRef.Counterpart = tx.From
		out = append(out, Insert{Key: Pool(tx.To), Window: m.poolWindow, Ref: poolRef})

		inRef := base
		inRef.Counterpart = tx.From
		out = append(out, Insert{Key: FanIn(tx.To), Window: m.fanWindow, Ref: inRef})
	}
	if tx.From != "" {
		outRef := base
		outRef.Counterpart = tx.To
		out = append(out, Insert{Key: FanOut(tx.From), Window: m.fanWindow, Ref: outRef})
	}
	return out
}
