package wallet

import (
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// signRSV signs an EIP-191-framed message and returns the 65-byte r‖s‖v
// signature the wire format carries.
func signRSV(t *testing.T, key *secp256k1.PrivateKey, message []byte) []byte {
	t.Helper()
	compact := ecdsa.SignCompact(key, EIP191Hash(message), false)
	rsv := make([]byte, 65)
	copy(rsv, compact[1:])
	rsv[64] = compact[0] - 27
	return rsv
}

func TestRecoverAddressRoundTrip(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	want := PubkeyToAddress(key.PubKey())

	message := []byte("47.4979|19.0402|STEP-TRI-v1:L10:F07:Pabc:1234|2025-10-06T12:00:00.000Z")
	sig := signRSV(t, key, message)

	got, err := RecoverAddress(EIP191Hash(message), sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if !SameAddress(got, want) {
		t.Errorf("recovered %s, want %s", got, want)
	}

	if err := VerifyMessage(message, sig, want); err != nil {
		t.Errorf("VerifyMessage rejected a valid signature: %v", err)
	}
	// Lowercased account must also verify (checksum-tolerant compare).
	if err := VerifyMessage(message, sig, strings.ToLower(want)); err != nil {
		t.Errorf("VerifyMessage rejected lowercase account: %v", err)
	}
}

func TestVerifyMessageRejectsTamper(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	account := PubkeyToAddress(key.PubKey())
	message := []byte("hello mesh")
	sig := signRSV(t, key, message)

	// Flipped signature byte: recovery either errors or lands on a
	// different address.
	bad := append([]byte(nil), sig...)
	bad[5] ^= 0x01
	if err := VerifyMessage(message, bad, account); err == nil {
		t.Error("tampered signature verified")
	}

	// Different message, same signature.
	if err := VerifyMessage([]byte("other message"), sig, account); err == nil {
		t.Error("signature verified against a different message")
	}

	// Wrong claimed account.
	other, _ := secp256k1.GeneratePrivateKey()
	if err := VerifyMessage(message, sig, PubkeyToAddress(other.PubKey())); err == nil {
		t.Error("signature verified for the wrong account")
	}

	// v accepted as 27/28 too.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	if err := VerifyMessage(message, legacy, account); err != nil {
		t.Errorf("27/28 recovery id rejected: %v", err)
	}

	if _, err := RecoverAddress(EIP191Hash(message), sig[:64]); err == nil {
		t.Error("64-byte signature accepted")
	}
}

func TestChecksumAddress(t *testing.T) {
	// EIP-55 reference vectors.
	cases := map[string]string{
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359": "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb": "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xd1220a0cf47c7b9be7a2e6ba89f429762e7b9adb": "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for lower, want := range cases {
		if got := ChecksumAddress(lower); got != want {
			t.Errorf("ChecksumAddress(%s) = %s, want %s", lower, got, want)
		}
		// Idempotent on already-checksummed input.
		if got := ChecksumAddress(want); got != want {
			t.Errorf("ChecksumAddress not idempotent for %s", want)
		}
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Error("valid address rejected")
	}
	for _, bad := range []string{"", "0x123", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"0xZZaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		if ValidAddress(bad) {
			t.Errorf("invalid address accepted: %q", bad)
		}
	}
}

func TestV1Message(t *testing.T) {
	msg := V1Message(47.4979, 19.0402, "STEP-TRI-v1:L10:F07:Pabc:1234", "2025-10-06T12:00:00.000Z")
	want := "47.4979|19.0402|STEP-TRI-v1:L10:F07:Pabc:1234|2025-10-06T12:00:00.000Z"
	if string(msg) != want {
		t.Errorf("V1Message = %q, want %q", msg, want)
	}
}
