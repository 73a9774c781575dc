// Package crypto provides the deterministic hashing, signing, and key
// derivation primitives shared by the consent ledger, the export packager,
// and the data packaging service.
package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal serializes v to RFC 8785 (JCS) canonical JSON: keys
// sorted, no insignificant whitespace, no HTML escaping, numbers in their
// shortest round-trippable form. Two structurally equal values always
// produce identical bytes, which is what makes content hashes and HMAC
// signatures reproducible across processes.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Preimage separator for field-joined hash inputs. "|" never appears in the
// identifiers or RFC 3339 timestamps that make up ledger preimages.
const PreimageSeparator = "|"

// CanonicalizeConsentEvent builds the hash preimage for a consent ledger
// event: id|user_id|action|timestamp_iso|prev_hash.
func CanonicalizeConsentEvent(id int64, userID, action, timestampISO, prevHash string) string {
	return fmt.Sprintf("%d%s%s%s%s%s%s%s%s",
		id, PreimageSeparator,
		userID, PreimageSeparator,
		action, PreimageSeparator,
		timestampISO, PreimageSeparator,
		prevHash)
}
