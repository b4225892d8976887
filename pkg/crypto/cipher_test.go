package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	const key = "unit-test-key"
	const plaintext = "hook-secret-value"

	ciphertext, err := EncryptString(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	if bytes.Contains(ciphertext, []byte(plaintext)) {
		t.Fatal("ciphertext contains plaintext")
	}
	decrypted, err := DecryptToString(key, ciphertext)
	if err != nil {
		t.Fatalf("DecryptToString returned error: %v", err)
	}
	if decrypted != plaintext {
		t.Fatalf("round trip mismatch: %q", decrypted)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ciphertext, err := EncryptString("key-a", "payload")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	if _, err := DecryptToString("key-b", ciphertext); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ciphertext, err := EncryptString("key", "payload")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := DecryptToString("key", ciphertext); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	first, err := EncryptString("key", "payload")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	second, err := EncryptString("key", "payload")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("expected a fresh nonce per encryption")
	}
}
