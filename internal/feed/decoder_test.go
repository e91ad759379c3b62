package feed

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeNormalizesFieldVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{
			"canonical names",
			`{"hash":"0xAB","from":"0xFROM","to":"0xTO","gas_price":42,"input":"0x095EA7B3","observed_at":"2026-03-01T12:00:00Z"}`,
		},
		{
			"feed aliases",
			`{"tx_hash":"0xAB","sender":"0xFROM","recipient":"0xTO","gasPrice":"0x2a","call_data":"0x095EA7B3","timestamp":"2026-03-01T12:00:00Z"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := Decode([]byte(tc.payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tx.Hash != "0xab" || tx.From != "0xfrom" || tx.To != "0xto" {
				t.Fatalf("addresses not normalized: %+v", tx)
			}
			if tx.GasPrice != 42 {
				t.Fatalf("expected gas price 42, got %d", tx.GasPrice)
			}
			if tx.Input != "0x095ea7b3" {
				t.Fatalf("input not lowered: %s", tx.Input)
			}
			want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			if !tx.Timestamp.Equal(want) {
				t.Fatalf("timestamp = %s, want %s", tx.Timestamp, want)
			}
		})
	}
}

func TestDecodeAcceptsUnixTimestamp(t *testing.T) {
	tx, err := Decode([]byte(`{"hash":"0x1","from":"0xa","timestamp":"1772366400.5"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Unix(1772366400, 500000000).UTC()
	if !tx.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", tx.Timestamp, want)
	}
}

func TestDecodeDefaultsMissingTimestampToNow(t *testing.T) {
	before := time.Now().UTC()
	tx, err := Decode([]byte(`{"hash":"0x1","from":"0xa"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.Timestamp.Before(before) || tx.Timestamp.After(time.Now().UTC()) {
		t.Fatalf("timestamp not defaulted to now: %s", tx.Timestamp)
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing hash", `{"from":"0xa"}`},
		{"missing sender", `{"hash":"0x1"}`},
		{"bad timestamp", `{"hash":"0x1","from":"0xa","timestamp":"yesterday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeToleratesMissingOptionalFields(t *testing.T) {
	tx, err := Decode([]byte(`{"hash":"0x1","from":"0xa"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.To != "" || tx.Input != "" || tx.GasPrice != 0 {
		t.Fatalf("optional fields should stay zero: %+v", tx)
	}
}
