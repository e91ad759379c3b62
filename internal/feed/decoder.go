package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mempoolwatch/pkg/models"
)

// ErrMalformed marks an envelope the decoder could not normalize. Malformed
// input is dropped before it reaches the window store or the rules.
var ErrMalformed = errors.New("malformed transaction envelope")

// Decode converts a feed envelope into a normalized Transaction. Field
// names are accepted in the variants the upstream feeds emit.
func Decode(data []byte) (*models.Transaction, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	tx := &models.Transaction{
		Hash:     strings.ToLower(getString(raw, "hash", "tx_hash")),
		From:     strings.ToLower(getString(raw, "from", "sender")),
		To:       strings.ToLower(getString(raw, "to", "recipient")),
		Value:    getString(raw, "value"),
		GasPrice: getUint(raw, "gas_price", "gasPrice"),
		Input:    strings.ToLower(getString(raw, "input", "data", "call_data")),
		Sequence: getUint(raw, "sequence", "seq"),
	}

	if tx.Hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrMalformed)
	}
	if tx.From == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}

	if ts := getString(raw, "observed_at", "timestamp", "@timestamp"); ts != "" {
		t, ok := parseTimestamp(ts)
		if !ok {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, ts)
		}
		tx.Timestamp = t
	} else {
		tx.Timestamp = time.Now().UTC()
	}

	return tx, nil
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		sec := int64(secs)
		nsec := int64((secs - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
	return time.Time{}, false
}

func getString(root map[string]interface{}, names ...string) string {
	for _, name := range names {
		v, ok := root[name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			if val == float64(int64(val)) {
				return strconv.FormatInt(int64(val), 10)
			}
			return strconv.FormatFloat(val, 'f', -1, 64)
		case json.Number:
			return val.String()
		}
	}
	return ""
}

func getUint(root map[string]interface{}, names ...string) uint64 {
	for _, name := range names {
		v, ok := root[name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			if val >= 0 {
				return uint64(val)
			}
		case string:
			if val == "" {
				continue
			}
			if parsed, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), pickBase(val), 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func pickBase(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}
