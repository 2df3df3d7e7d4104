package relaytest

import (
	"fmt"

	"zapflow/models"
)

// ZapReceipt builds a kind 9735 event for target paid by sender.
func ZapReceipt(id, target, invoice, sender string, createdAt int64) models.RawEvent {
	return models.RawEvent{
		ID:        id,
		PubKey:    "zapper-service",
		CreatedAt: createdAt,
		Kind:      models.KindZapReceipt,
		Tags: [][]string{
			{"e", target},
			{"bolt11", invoice},
			{"description", fmt.Sprintf(`{"kind":9734,"pubkey":%q,"content":"zap %s"}`, sender, id)},
		},
	}
}
