package operation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
)

// volatileArgFields are argument keys excluded from signature computation.
// They change between otherwise identical invocations and would defeat
// approval caching; differences in any other field always re-prompt.
var volatileArgFields = map[string]bool{
	"timestamp":  true,
	"nonce":      true,
	"request_id": true,
}

// Signature is the deterministic fingerprint of a tool invocation. Two
// invocations with the same signature are interchangeable for approval and
// decision caching.
//
// The hash covers the tool name, the normalised arguments (volatile fields
// stripped), the classified operation type, and the sorted category set.
// Arguments are canonicalised with RFC 8785 (JCS) before hashing so that
// map iteration order never changes the signature.
func Signature(tool string, args map[string]any, c Classification) (string, error) {
	normalised := make(map[string]any, len(args))
	for k, v := range args {
		if volatileArgFields[k] {
			continue
		}
		normalised[k] = v
	}

	cats := append([]string(nil), c.Categories...)
	sort.Strings(cats)

	payload := struct {
		Tool       string         `json:"tool"`
		Args       map[string]any `json:"args"`
		Type       Type           `json:"type"`
		Categories []string       `json:"categories"`
	}{tool, normalised, c.OperationType, cats}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal signature payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalise signature payload: %w", err)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}
