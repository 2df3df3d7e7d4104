// Package receipt turns zap receipt events into payment records.
package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"zapflow/internal/bolt11"
	"zapflow/logger"
	"zapflow/models"
)

// SkipReason explains why an event produced no record.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipWrongKind      SkipReason = "wrong_kind"
	SkipNoDescription  SkipReason = "missing_description"
	SkipBadDescription SkipReason = "invalid_description"
	SkipNoInvoice      SkipReason = "missing_bolt11"
	SkipBadAmount      SkipReason = "undecodable_amount"
	SkipMalformed      SkipReason = "malformed_event"
)

// zapRequest holds the only two fields read from the embedded zap request.
type zapRequest struct {
	PubKey  string `json:"pubkey"`
	Content string `json:"content"`
}

// Parser decodes receipts with a pluggable amount decoder.
type Parser struct {
	decoder bolt11.Decoder
	log     *logger.Log
}

// NewParser returns a parser. A nil decoder selects bolt11.RegexDecoder.
func NewParser(decoder bolt11.Decoder, log *logger.Log) *Parser {
	if decoder == nil {
		decoder = bolt11.RegexDecoder{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Parser{decoder: decoder, log: log}
}

var defaultParser = NewParser(nil, nil)

// Parse decodes evt with the default parser.
func Parse(evt models.RawEvent) (models.PaymentRecord, bool) {
	return defaultParser.Parse(evt)
}

// Parse returns the payment record for evt, or false when evt is not a
// usable zap receipt.
func (p *Parser) Parse(evt models.RawEvent) (models.PaymentRecord, bool) {
	rec, reason := p.ParseWithReason(evt)
	return rec, reason == SkipNone
}

// ParseWithReason is Parse with the skip reason exposed for accounting.
func (p *Parser) ParseWithReason(evt models.RawEvent) (rec models.PaymentRecord, reason SkipReason) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithComponent("receipt_parser").WithFields(logger.Fields{
				"event_id": evt.ID,
				"panic":    fmt.Sprint(r),
			}).Warn("recovered while parsing zap receipt")
			rec, reason = models.PaymentRecord{}, SkipMalformed
		}
	}()

	log := p.log.WithComponent("receipt_parser").WithFields(logger.Fields{"event_id": evt.ID})

	if evt.Kind != models.KindZapReceipt {
		return models.PaymentRecord{}, SkipWrongKind
	}

	description, ok := evt.TagValue("description")
	if !ok || description == "" {
		log.Debug("no description tag found in zap receipt")
		return models.PaymentRecord{}, SkipNoDescription
	}
	req, err := decodeZapRequest(description)
	if err != nil {
		log.WithError(err).Debug("invalid zap request in description tag")
		return models.PaymentRecord{}, SkipBadDescription
	}

	invoice, ok := evt.TagValue("bolt11")
	if !ok || invoice == "" {
		log.Debug("no bolt11 tag found in zap receipt")
		return models.PaymentRecord{}, SkipNoInvoice
	}

	amount, ok := p.decoder.DecodeAmount(invoice)
	if !ok || amount <= 0 {
		log.Debug("could not extract amount from bolt11")
		return models.PaymentRecord{}, SkipBadAmount
	}

	sender := req.PubKey
	if sender == "" {
		sender = evt.PubKey
	}

	return models.PaymentRecord{
		SourceEventID:   evt.ID,
		AmountMillisats: amount,
		TimestampMs:     evt.CreatedAt * 1000,
		SenderKey:       sender,
		Message:         req.Content,
		Invoice:         invoice,
	}, SkipNone
}

func decodeZapRequest(description string) (zapRequest, error) {
	raw := bytes.TrimSpace([]byte(description))
	if len(raw) == 0 || raw[0] != '{' {
		return zapRequest{}, fmt.Errorf("zap request is not a JSON object")
	}
	var req zapRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return zapRequest{}, fmt.Errorf("decode zap request: %w", err)
	}
	return req, nil
}
