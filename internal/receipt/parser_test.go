package receipt

import (
	"testing"

	"zapflow/models"
)

func zapEvent(tags ...[]string) models.RawEvent {
	return models.RawEvent{
		ID:        "e1",
		PubKey:    "receipt-author",
		CreatedAt: 1_700_000_000,
		Kind:      models.KindZapReceipt,
		Tags:      tags,
	}
}

func TestParseValidReceipt(t *testing.T) {
	evt := zapEvent(
		[]string{"e", "note"},
		[]string{"bolt11", "lnbc500n1pjqwerty"},
		[]string{"description", `{"pubkey":"sender","content":"great post","kind":9734}`},
	)

	rec, ok := Parse(evt)
	if !ok {
		t.Fatal("expected record")
	}
	if rec.SourceEventID != "e1" || rec.AmountMillisats != 50_000 || rec.TimestampMs != 1_700_000_000_000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.SenderKey != "sender" || rec.Message != "great post" || rec.Invoice != "lnbc500n1pjqwerty" {
		t.Fatalf("unexpected record fields: %+v", rec)
	}
}

func TestParseFallsBackToReceiptAuthor(t *testing.T) {
	evt := zapEvent(
		[]string{"bolt11", "lnbc10u1x"},
		[]string{"description", `{"kind":9734}`},
	)
	rec, ok := Parse(evt)
	if !ok {
		t.Fatal("expected record")
	}
	if rec.SenderKey != "receipt-author" || rec.Message != "" {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
}

func TestParseRejections(t *testing.T) {
	desc := []string{"description", `{"pubkey":"s","content":""}`}
	cases := map[string]struct {
		evt    models.RawEvent
		reason SkipReason
	}{
		"wrong kind":          {models.RawEvent{ID: "x", Kind: 1, Tags: [][]string{desc, {"bolt11", "lnbc1n"}}}, SkipWrongKind},
		"missing bolt11":      {zapEvent(desc), SkipNoInvoice},
		"empty bolt11":        {zapEvent(desc, []string{"bolt11", ""}), SkipNoInvoice},
		"missing description": {zapEvent([]string{"bolt11", "lnbc1n"}), SkipNoDescription},
		"bad json":            {zapEvent([]string{"description", "{not json"}, []string{"bolt11", "lnbc1n"}), SkipBadDescription},
		"json null":           {zapEvent([]string{"description", "null"}, []string{"bolt11", "lnbc1n"}), SkipBadDescription},
		"wrong field type":    {zapEvent([]string{"description", `{"pubkey":5}`}, []string{"bolt11", "lnbc1n"}), SkipBadDescription},
		"bad invoice":         {zapEvent(desc, []string{"bolt11", "not-an-invoice"}), SkipBadAmount},
		"zero amount":         {zapEvent(desc, []string{"bolt11", "lnbc0u1"}), SkipBadAmount},
		"short tags":          {zapEvent([]string{"description"}, []string{"bolt11"}), SkipNoDescription},
	}

	p := NewParser(nil, nil)
	for name, tc := range cases {
		if _, reason := p.ParseWithReason(tc.evt); reason != tc.reason {
			t.Fatalf("%s: reason = %q, want %q", name, reason, tc.reason)
		}
		if _, ok := p.Parse(tc.evt); ok {
			t.Fatalf("%s: expected no record", name)
		}
	}
}

type fixedDecoder int64

func (d fixedDecoder) DecodeAmount(string) (int64, bool) { return int64(d), d > 0 }

type panicDecoder struct{}

func (panicDecoder) DecodeAmount(string) (int64, bool) { panic("boom") }

func TestParseUsesInjectedDecoder(t *testing.T) {
	evt := zapEvent(
		[]string{"bolt11", "anything"},
		[]string{"description", `{}`},
	)
	rec, ok := NewParser(fixedDecoder(7), nil).Parse(evt)
	if !ok || rec.AmountMillisats != 7 {
		t.Fatalf("unexpected record %+v ok=%v", rec, ok)
	}
	if _, reason := NewParser(panicDecoder{}, nil).ParseWithReason(evt); reason != SkipMalformed {
		t.Fatalf("panic should be contained, got %q", reason)
	}
}
