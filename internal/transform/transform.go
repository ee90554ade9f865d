package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"fcpm/bridge/internal/models"
)

// TransformationError reports a proof that cannot be encoded for the
// on-chain verifier. It is terminal for the proof; only a fresh proof
// can succeed.
type TransformationError struct {
	Field  string
	Reason string
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("proof transformation failed: %s: %s", e.Field, e.Reason)
}

// ClaimInfo matches the verifier's ClaimInfo tuple
type ClaimInfo struct {
	Provider   string
	Parameters string
	Context    string
}

// CompleteClaimData matches the verifier's claim tuple
type CompleteClaimData struct {
	Identifier [32]byte
	Owner      common.Address
	TimestampS uint32
	Epoch      uint32
}

// SignedClaim matches the verifier's SignedClaim tuple
type SignedClaim struct {
	Claim      CompleteClaimData
	Signatures [][]byte
}

// OnchainPayload is the argument shape the oracle's verifier expects.
// It is only ever produced by Transform.
type OnchainPayload struct {
	ClaimInfo   ClaimInfo
	SignedClaim SignedClaim
}

// Transform converts a provider proof into the on-chain payload. Pure and
// deterministic: the same proof always yields the same payload. Any field
// the verifier requires that is absent or malformed is a hard failure,
// never substituted with a default.
func Transform(proof models.Proof) (OnchainPayload, error) {
	claim := proof.Claim

	if claim.Provider == "" {
		return OnchainPayload{}, &TransformationError{Field: "claimData.provider", Reason: "missing"}
	}
	if claim.Parameters == "" {
		return OnchainPayload{}, &TransformationError{Field: "claimData.parameters", Reason: "missing"}
	}

	identifierBytes, err := decodeHash(resolvedIdentifier(proof))
	if err != nil {
		return OnchainPayload{}, &TransformationError{Field: "claimData.identifier", Reason: err.Error()}
	}

	if !common.IsHexAddress(claim.Owner) {
		return OnchainPayload{}, &TransformationError{Field: "claimData.owner", Reason: "not a valid address"}
	}

	if claim.TimestampS <= 0 || claim.TimestampS > math.MaxUint32 {
		return OnchainPayload{}, &TransformationError{Field: "claimData.timestampS", Reason: "out of range"}
	}

	if len(proof.Signatures) == 0 {
		return OnchainPayload{}, &TransformationError{Field: "signatures", Reason: "missing"}
	}
	signatures := make([][]byte, 0, len(proof.Signatures))
	for i, sig := range proof.Signatures {
		raw, err := hexutil.Decode(ensureHexPrefix(sig))
		if err != nil || len(raw) == 0 {
			return OnchainPayload{}, &TransformationError{
				Field:  fmt.Sprintf("signatures[%d]", i),
				Reason: "not valid hex",
			}
		}
		signatures = append(signatures, raw)
	}

	return OnchainPayload{
		ClaimInfo: ClaimInfo{
			Provider:   claim.Provider,
			Parameters: claim.Parameters,
			Context:    claim.Context,
		},
		SignedClaim: SignedClaim{
			Claim: CompleteClaimData{
				Identifier: identifierBytes,
				Owner:      common.HexToAddress(claim.Owner),
				TimestampS: uint32(claim.TimestampS),
				Epoch:      claim.Epoch,
			},
			Signatures: signatures,
		},
	}, nil
}

// Fingerprint computes a stable keccak256 hash over the proof's canonical
// fields, used as the audit identity of a submission. The identifier is
// resolved the same way Transform resolves it, so two proofs that encode
// identically also fingerprint identically, and only those.
func Fingerprint(proof models.Proof) string {
	var b strings.Builder
	b.WriteString(resolvedIdentifier(proof))
	b.WriteByte('|')
	b.WriteString(proof.Claim.Provider)
	b.WriteByte('|')
	b.WriteString(proof.Claim.Parameters)
	b.WriteByte('|')
	b.WriteString(proof.Claim.Context)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(proof.Claim.Owner))
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d|%d", proof.Claim.TimestampS, proof.Claim.Epoch)
	for _, sig := range proof.Signatures {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(strings.TrimPrefix(sig, "0x")))
	}
	return hexutil.Encode(crypto.Keccak256([]byte(b.String())))
}

// resolvedIdentifier picks the claim identifier, falling back to the proof
// envelope's identifier when the claim carries none
func resolvedIdentifier(proof models.Proof) string {
	if proof.Claim.Identifier != "" {
		return proof.Claim.Identifier
	}
	return proof.Identifier
}

// decodeHash parses a 32-byte hex value
func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(ensureHexPrefix(s))
	if err != nil {
		return out, fmt.Errorf("not valid hex")
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
