package tee

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

// buildRawQuote assembles a minimal TDX quote with the given report
// data and RTMR3 placed at their wire offsets.
func buildRawQuote(reportData, rtmr3 []byte) []byte {
	raw := make([]byte, quoteHeaderLen+quoteReportDataOff+quoteReportDataLen)
	body := raw[quoteHeaderLen:]
	copy(body[quoteRTMR3Off:], rtmr3)
	copy(body[quoteReportDataOff:], reportData)
	return raw
}

func TestParseQuote(t *testing.T) {
	rd := bytes.Repeat([]byte{0xab}, quoteReportDataLen)
	reg := bytes.Repeat([]byte{0x17}, quoteRTMR3Len)

	fields, err := ParseQuote(buildRawQuote(rd, reg))
	if err != nil {
		t.Fatalf("ParseQuote: %v", err)
	}
	if !bytes.Equal(fields.ReportData, rd) {
		t.Fatalf("report data = %x, want %x", fields.ReportData, rd)
	}
	if fields.RTMR3 != hex.EncodeToString(reg) {
		t.Fatalf("rtmr3 = %s, want %s", fields.RTMR3, hex.EncodeToString(reg))
	}
}

func TestParseQuoteTooShort(t *testing.T) {
	if _, err := ParseQuote(make([]byte, 100)); err == nil {
		t.Fatal("expected error for truncated quote")
	}
}

func TestParseMockQuoteRejectsHardware(t *testing.T) {
	raw := buildRawQuote(make([]byte, quoteReportDataLen), make([]byte, quoteRTMR3Len))
	if _, ok := ParseMockQuote(base64.StdEncoding.EncodeToString(raw)); ok {
		t.Fatal("hardware quote bytes parsed as a mock quote")
	}
	if _, ok := ParseMockQuote("not base64 at all!!!"); ok {
		t.Fatal("garbage parsed as a mock quote")
	}
}
