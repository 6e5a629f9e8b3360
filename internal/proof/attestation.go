package proof

import (
	"context"
	"strings"
)

// AttestationVerifier checks a platform integrity token (Play Integrity,
// App Attest). The actual verification — signature chain, nonce binding,
// TTL — lives outside the core; the pipeline only consumes the verdict
// and awards or withholds the attestation score component.
type AttestationVerifier interface {
	Verify(ctx context.Context, token, nonce, platform string) bool
}

// MockAttestationVerifier accepts development tokens. Production deploys
// swap in the real platform verifiers behind the same interface.
type MockAttestationVerifier struct{}

// Verify accepts any MOCK_ATTESTATION_* token.
func (MockAttestationVerifier) Verify(_ context.Context, token, _, _ string) bool {
	return strings.HasPrefix(token, "MOCK_ATTESTATION_")
}
