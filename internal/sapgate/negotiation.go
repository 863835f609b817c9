package sapgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// sapNumber decodes quantities the way the negotiation form sends them:
// numbers, numeric strings, "" or null (both zero).
type sapNumber float64

func (n *sapNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = sapNumber(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = sapNumber(f)
	return nil
}

// Negotiation is one negotiation row of an inquiry item. Field names follow
// the SAP table: C*_ are counter offers, A*_ approver rates, R*_ remarks.
type Negotiation struct {
	MANDT   string    `json:"MANDT"`
	VBELN   string    `json:"VBELN"`
	POSNR   sapNumber `json:"POSNR"`
	C1Qty   sapNumber `json:"C1_QTY"`
	A1Qty   sapNumber `json:"A1_QTY"`
	C2Qty   sapNumber `json:"C2_QTY"`
	A2Qty   sapNumber `json:"A2_QTY"`
	C3Qty   sapNumber `json:"C3_QTY"`
	A3Qty   sapNumber `json:"A3_QTY"`
	R1Text  string    `json:"R1_TEXT"`
	R2Text  string    `json:"R2_TEXT"`
	R3Text  string    `json:"R3_TEXT"`
	C1UName string    `json:"C1_UNAME"`
	C2UName string    `json:"C2_UNAME"`
	C3UName string    `json:"C3_UNAME"`
	A1UName string    `json:"A1_UNAME"`
	A2UName string    `json:"A2_UNAME"`
	A3UName string    `json:"A3_UNAME"`
}

// Validate checks the row before it is posted. Approver rates must be
// filled in order: A2 needs A1 and A3 needs A2.
func (n Negotiation) Validate() error {
	if strings.TrimSpace(n.VBELN) == "" {
		return invalidRequest("VBELN (inquiry number) is required")
	}
	if n.POSNR < 0 || float64(n.POSNR) != float64(int64(n.POSNR)) {
		return invalidRequest(fmt.Sprintf("POSNR must be a non-negative integer, got %v", float64(n.POSNR)))
	}
	qtys := map[string]sapNumber{
		"C1_QTY": n.C1Qty, "A1_QTY": n.A1Qty,
		"C2_QTY": n.C2Qty, "A2_QTY": n.A2Qty,
		"C3_QTY": n.C3Qty, "A3_QTY": n.A3Qty,
	}
	for name, q := range qtys {
		if q < 0 {
			return invalidRequest(fmt.Sprintf("%s must not be negative", name))
		}
	}
	approvers := []sapNumber{n.A1Qty, n.A2Qty, n.A3Qty}
	for i := 1; i < len(approvers); i++ {
		if approvers[i] != 0 && approvers[i-1] == 0 {
			return invalidRequest(fmt.Sprintf("fill A%d before A%d", i, i+1))
		}
	}
	return nil
}

func invalidRequest(msg string) error {
	return &FetchError{Kind: KindInvalidRequest, Message: msg}
}

// padPosnr renders an item number as the 6-digit SAP POSNR.
func padPosnr(item string) (string, error) {
	item = strings.TrimSpace(item)
	if item == "" || len(item) > 6 {
		return "", invalidRequest(fmt.Sprintf("invalid item number %q", item))
	}
	for _, r := range item {
		if r < '0' || r > '9' {
			return "", invalidRequest(fmt.Sprintf("invalid item number %q", item))
		}
	}
	return strings.Repeat("0", 6-len(item)) + item, nil
}
