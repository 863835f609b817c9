package sapgate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Inquiry is the stable shape of an SAP inquiry header. SAP answers with
// display labels ("Inquiry No") or ABAP field names depending on the service
// version, so every field is looked up under several names.
type Inquiry struct {
	ID            string        `json:"id"`
	Qty           float64       `json:"qty"`
	Customer      string        `json:"customer"`
	ShortCustomer string        `json:"shortCustomer"`
	Broker        string        `json:"broker"`
	Sales         string        `json:"sales"`
	Status        string        `json:"status"`
	CreatedOn     string        `json:"createdOn,omitempty"`
	Items         []InquiryItem `json:"items"`
}

type InquiryItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Qty      float64 `json:"qty"`
	Rate     float64 `json:"rate"`
	LastRate float64 `json:"lastRate"`
	Grade    string  `json:"grade"`
	Winding  string  `json:"winding"`
	PQ       string  `json:"pq"`
	CLQ      string  `json:"clq"`
	Unit     string  `json:"unit,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

const (
	StatusHighPriority = "High Priority"
	StatusNormal       = "Normal"
	StatusPending      = "Pending"
)

// NormalizeInquiries accepts either a bare JSON array or an object wrapping
// the array under "data" or "results".
func NormalizeInquiries(body []byte) ([]Inquiry, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		var wrapped struct {
			Data    []map[string]any `json:"data"`
			Results []map[string]any `json:"results"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			return nil, fmt.Errorf("inquiries payload is not a list: %w", err)
		}
		rows = wrapped.Data
		if rows == nil {
			rows = wrapped.Results
		}
	}
	out := make([]Inquiry, 0, len(rows))
	for i, row := range rows {
		out = append(out, normalizeInquiry(row, i))
	}
	return out, nil
}

func normalizeInquiry(src map[string]any, idx int) Inquiry {
	inq := Inquiry{
		ID:        firstString(src, fmt.Sprintf("Inq-%d", idx+1), "Inquiry No", "inquiryNo", "InquiryNo", "id"),
		Customer:  firstString(src, "Unknown Customer", "Customer Name", "customerName", "customer"),
		Broker:    firstString(src, "", "Broker Name", "brokerName", "broker"),
		Sales:     firstString(src, "N/A", "Sales Person Name", "salesPersonName", "sales"),
		Status:    statusFromType(firstString(src, "", "Inquiry Type", "inquiryType")),
		CreatedOn: firstString(src, "", "Created On", "createdOn"),
	}
	inq.ShortCustomer = shorten(inq.Customer, 40)

	for _, key := range []string{"INQ_ITEM", "items", "lines"} {
		raw, ok := src[key].([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		for i, r := range raw {
			m, _ := r.(map[string]any)
			inq.Items = append(inq.Items, normalizeItem(m, i))
		}
		break
	}
	if inq.Items == nil {
		inq.Items = []InquiryItem{}
	}

	if q, ok := firstNumber(src, "QUANTITY", "Quantity", "qty"); ok {
		inq.Qty = q
	} else {
		for _, it := range inq.Items {
			inq.Qty += it.Qty
		}
	}
	return inq
}

func normalizeItem(src map[string]any, idx int) InquiryItem {
	it := InquiryItem{
		ID:       firstString(src, fmt.Sprintf("line-%d", idx+1), "id", "lineId", "INQ_ITEM"),
		Name:     firstString(src, fmt.Sprintf("Item %d", idx+1), "MATERIAL", "material", "name", "itemName", "description"),
		Grade:    firstString(src, "-", "GRADE", "grade"),
		Winding:  firstString(src, "-", "WINDING", "winding"),
		PQ:       firstString(src, "No", "PQ", "pq"),
		CLQ:      firstString(src, "No", "CLQ", "clq"),
		Unit:     firstString(src, "", "UNIT", "unit"),
		Currency: firstString(src, "", "WAERS", "currency"),
	}
	it.Qty, _ = firstNumber(src, "QUANTITY", "quantity", "qty")
	it.Rate, _ = firstNumber(src, "BASE_PRICE", "basePrice", "price", "NEO_RATE", "neoRate")
	it.LastRate, _ = firstNumber(src, "NEO_RATE", "lastRate")
	return it
}

func statusFromType(t string) string {
	lt := strings.ToLower(t)
	switch {
	case strings.Contains(lt, "urgent") || strings.Contains(lt, "high"):
		return StatusHighPriority
	case strings.Contains(lt, "normal") || strings.Contains(lt, "domestic"):
		return StatusNormal
	case t == "":
		return StatusPending
	default:
		return t
	}
}

func shorten(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-2]) + "…"
}

// firstString returns the first non-empty value among keys, or def.
func firstString(m map[string]any, def string, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return def
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
