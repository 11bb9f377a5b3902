package payment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status is the normalised invoice state shared by the gateway, the webhook
// and the local payments table.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusPaid          Status = "PAID"
	StatusCancelled     Status = "CANCELLED"
	StatusExpired       Status = "EXPIRED"
	StatusProcessing    Status = "PROCESSING"
	StatusPartialRefund Status = "PARTIAL_REFUND"
	StatusFullRefund    Status = "FULL_REFUND"
)

// gateway status_pay codes
var statusCodes = map[int]Status{
	0:  StatusPending,
	1:  StatusPaid,
	-1: StatusCancelled,
	-2: StatusExpired,
	2:  StatusProcessing,
	3:  StatusPartialRefund,
	4:  StatusFullRefund,
}

var statusStrings = map[string]Status{
	"approved":   StatusPaid,
	"paid":       StatusPaid,
	"pending":    StatusPending,
	"cancelled":  StatusCancelled,
	"canceled":   StatusCancelled,
	"expired":    StatusExpired,
	"processing": StatusProcessing,
}

// DecodeStatus normalises the two upstream formats: the numeric status_pay
// code takes priority, the string status is the fallback.
func DecodeStatus(statusPay json.Number, statusString string) (Status, bool) {
	if len(statusPay) > 0 {
		if code, err := strconv.Atoi(statusPay.String()); err == nil {
			if status, ok := statusCodes[code]; ok {
				return status, true
			}
		}
	}

	if status, ok := statusStrings[strings.ToLower(statusString)]; ok {
		return status, true
	}

	return "", false
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusCancelled, StatusExpired, StatusFullRefund:
		return true
	}
	return false
}

var paidAtLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
}

// ParsePaidAt decodes the gateway's payment timestamp, which comes with or
// without a fractional part.
func ParsePaidAt(value string) (time.Time, bool) {
	for _, layout := range paidAtLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// flexString tolerates upstream fields that arrive as either a JSON string
// or a number (invoice and transaction ids do both).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string {
	return string(f)
}
