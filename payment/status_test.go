package payment

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name      string
		statusPay string
		status    string
		expected  Status
		ok        bool
	}{
		{name: "numeric paid", statusPay: "1", expected: StatusPaid, ok: true},
		{name: "numeric pending", statusPay: "0", expected: StatusPending, ok: true},
		{name: "numeric cancelled", statusPay: "-1", expected: StatusCancelled, ok: true},
		{name: "numeric expired", statusPay: "-2", expected: StatusExpired, ok: true},
		{name: "numeric processing", statusPay: "2", expected: StatusProcessing, ok: true},
		{name: "numeric partial refund", statusPay: "3", expected: StatusPartialRefund, ok: true},
		{name: "numeric full refund", statusPay: "4", expected: StatusFullRefund, ok: true},
		{name: "string approved", status: "approved", expected: StatusPaid, ok: true},
		{name: "string canceled variant", status: "Canceled", expected: StatusCancelled, ok: true},
		{name: "numeric wins over string", statusPay: "0", status: "approved", expected: StatusPending, ok: true},
		{name: "unknown code falls back to string", statusPay: "99", status: "expired", expected: StatusExpired, ok: true},
		{name: "nothing decodable", statusPay: "99", status: "weird", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeStatus(json.Number(tt.statusPay), tt.status)
			if ok != tt.ok {
				t.Fatalf("DecodeStatus(%q, %q) ok = %v; want %v", tt.statusPay, tt.status, ok, tt.ok)
			}
			if ok && got != tt.expected {
				t.Errorf("DecodeStatus(%q, %q) = %v; want %v", tt.statusPay, tt.status, got, tt.expected)
			}
		})
	}
}

func TestParsePaidAt(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		ts, ok := ParsePaidAt("2026-08-24 19:00:05")
		if !ok {
			t.Fatal("failed to parse")
		}
		if ts.Hour() != 19 || ts.Second() != 5 {
			t.Errorf("unexpected time %v", ts)
		}
	})

	t.Run("fractional", func(t *testing.T) {
		if _, ok := ParsePaidAt("2026-08-24 19:00:05.123456"); !ok {
			t.Error("failed to parse fractional timestamp")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, ok := ParsePaidAt("24.08.2026"); ok {
			t.Error("parsed a non-matching layout")
		}
	})
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusPaid, StatusCancelled, StatusExpired, StatusFullRefund}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}

	for _, s := range []Status{StatusPending, StatusProcessing, StatusPartialRefund} {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestFlexString(t *testing.T) {
	var v struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
	}

	if err := json.Unmarshal([]byte(`{"a":"inv-1","b":123456}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A.String() != "inv-1" {
		t.Errorf("A = %q", v.A)
	}
	if v.B.String() != "123456" {
		t.Errorf("B = %q", v.B)
	}
}

func TestNewOrderID(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	got := NewOrderID("5002", amount(1500), now)
	want := "TLP-5002-20260824120000-"
	if len(got) != len(want)+8 {
		t.Fatalf("order id %q has unexpected length", got)
	}
	if got[:len(want)] != want {
		t.Errorf("order id = %q; want prefix %q", got, want)
	}

	// deterministic for the same inputs
	if again := NewOrderID("5002", amount(1500), now); again != got {
		t.Errorf("order id not deterministic: %q vs %q", got, again)
	}

	// empty client ref gets a placeholder
	if got := NewOrderID("", amount(1), now); got[:8] != "TLP-UNK-" {
		t.Errorf("order id = %q; want TLP-UNK- prefix", got)
	}
}
