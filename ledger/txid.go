package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeTxID returns the hex SHA-256 of the request's canonical form.
//
// The canonical form is compact JSON with sorted keys (encoding/json sorts
// map keys at every level). TxID itself is excluded, so the same content
// always hashes to the same id regardless of when or how often it is sent.
func ComputeTxID(req TransactionRequest) (string, error) {
	payload := map[string]any{
		"kind":       string(req.Kind),
		"payer_id":   req.PayerID,
		"payer_name": req.PayerName,
		"amount":     req.Amount,
		"sequence":   req.Sequence,
	}
	if req.RecipientID != "" || req.RecipientName != "" {
		payload["recipient_id"] = req.RecipientID
		payload["recipient_name"] = req.RecipientName
	}
	if len(req.Extra) > 0 {
		payload["extra"] = map[string]any(req.Extra)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: canonical encoding: %v", ErrInvalidRequest, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
