package ops

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/teranos/optrack/errors"
)

// DeriveRequestID computes a stable request id from the operation type and its
// parameters, for callers that have no identity of their own. Identical
// submissions map to the same id and therefore deduplicate.
func DeriveRequestID(operationType string, parameters Document) (string, error) {
	body, err := parameters.Canonical()
	if err != nil {
		return "", errors.Wrap(err, "failed to derive request id")
	}
	h := sha256.New()
	h.Write([]byte(operationType))
	h.Write([]byte{0})
	h.Write(body)
	return "req_" + hex.EncodeToString(h.Sum(nil))[:32], nil
}
