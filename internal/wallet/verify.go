package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Signature Verification
//
// Proof payloads are signed with the account's secp256k1 key under EIP-191
// personal_sign framing. The verifier recovers the public key from the
// 65-byte (r‖s‖v) signature and derives the address as the low 20 bytes of
// keccak256 over the uncompressed public key. The recovered address must
// match the payload's account, compared case-insensitively so both plain
// and EIP-55 checksummed forms are accepted.

// ErrBadSignature covers malformed signatures, failed recovery, and
// account mismatches alike; the wrapping message says which one occurred.
var ErrBadSignature = errors.New("bad signature")

// eip191Prefix is the personal_sign frame header.
const eip191Prefix = "\x19Ethereum Signed Message:\n"

// Keccak256 returns the legacy (pre-NIST) Keccak digest Ethereum uses.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// EIP191Hash frames the message with the personal_sign prefix and its
// decimal byte length, then hashes.
func EIP191Hash(message []byte) []byte {
	return Keccak256([]byte(eip191Prefix), []byte(strconv.Itoa(len(message))), message)
}

// V1Message builds the legacy signable string "{lat}|{lon}|{id}|{ts}".
func V1Message(lat, lon float64, triangleID, timestamp string) []byte {
	return []byte(FormatCoord(lat) + "|" + FormatCoord(lon) + "|" + triangleID + "|" + timestamp)
}

// RecoverAddress recovers the signer of hash from a 65-byte r‖s‖v
// signature (v accepted as 0/1 or 27/28) and returns the 0x address in
// EIP-55 checksum form.
func RecoverAddress(hash []byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("%w: signature length %d", ErrBadSignature, len(signature))
	}
	v := signature[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("%w: recovery id %d", ErrBadSignature, signature[64])
	}

	// RecoverCompact wants the header byte first: 27 + recovery id.
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:], signature[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return PubkeyToAddress(pub), nil
}

// PubkeyToAddress derives the 0x address from a secp256k1 public key.
func PubkeyToAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return ChecksumAddress("0x" + hex.EncodeToString(digest[12:]))
}

// ChecksumAddress renders an address in EIP-55 mixed-case form.
func ChecksumAddress(address string) string {
	lower := strings.ToLower(strings.TrimPrefix(address, "0x"))
	digest := Keccak256([]byte(lower))
	out := make([]byte, len(lower))
	for i, c := range []byte(lower) {
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ValidAddress checks the 0x-prefixed 20-byte hex shape.
func ValidAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}
	_, err := hex.DecodeString(address[2:])
	return err == nil
}

// SameAddress compares two addresses checksum-tolerantly.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ParseSignature decodes the hex signature field (0x optional).
func ParseSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: hex: %v", ErrBadSignature, err)
	}
	return raw, nil
}

// VerifyMessage recovers the signer of an EIP-191-framed message and
// checks it against the expected account.
func VerifyMessage(message []byte, signature []byte, account string) error {
	recovered, err := RecoverAddress(EIP191Hash(message), signature)
	if err != nil {
		return err
	}
	if !SameAddress(recovered, account) {
		return fmt.Errorf("%w: recovered %s, payload account %s", ErrBadSignature, recovered, account)
	}
	return nil
}
