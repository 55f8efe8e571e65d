package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pagepilot/pagepilot/core/protocol/signing"
)

// HashDraft computes the plan hash over the canonical JSON form of the raw
// draft, so key order in the LLM output never changes the hash.
func HashDraft(raw []byte) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", fmt.Errorf("decode draft: %w", err)
	}
	canonical, err := signing.CanonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("canonicalize draft: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
