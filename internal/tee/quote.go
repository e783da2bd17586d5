package tee

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TDX quote layout. Offsets are relative to the quote body, which
// starts after the fixed size header.
const (
	quoteHeaderLen     = 48
	quoteRTMR3Off      = 472
	quoteRTMR3Len      = 48
	quoteReportDataOff = 520
	quoteReportDataLen = 64
)

// QuoteFields carries the verification relevant fields of a TDX quote.
type QuoteFields struct {
	ReportData []byte // 64 bytes
	RTMR3      string // hex, 96 chars
}

// ParseQuote extracts report data and RTMR3 from a raw TDX quote.
func ParseQuote(raw []byte) (*QuoteFields, error) {
	need := quoteHeaderLen + quoteReportDataOff + quoteReportDataLen
	if len(raw) < need {
		return nil, fmt.Errorf("quote too short: %d bytes, need at least %d", len(raw), need)
	}
	body := raw[quoteHeaderLen:]
	rd := make([]byte, quoteReportDataLen)
	copy(rd, body[quoteReportDataOff:quoteReportDataOff+quoteReportDataLen])
	return &QuoteFields{
		ReportData: rd,
		RTMR3:      hex.EncodeToString(body[quoteRTMR3Off : quoteRTMR3Off+quoteRTMR3Len]),
	}, nil
}

// MockQuote is the JSON document a mock provider emits in place of a
// raw TDX quote.
type MockQuote struct {
	Mock       bool   `json:"mock"`
	ReportData string `json:"report_data"`
	RTMR3      string `json:"rtmr3"`
	Timestamp  int64  `json:"timestamp"`
}

// ParseMockQuote decodes a base64 mock quote. The second return is
// false when the payload is not a mock quote, so callers can fall
// through to hardware parsing.
func ParseMockQuote(b64 string) (*MockQuote, bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false
	}
	var q MockQuote
	if err := json.Unmarshal(raw, &q); err != nil || !q.Mock {
		return nil, false
	}
	return &q, true
}
