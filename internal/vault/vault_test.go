package vault

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	v := New("correct horse battery staple")

	ciphertext, nonce, err := v.SealToken("join-token-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("join-token-123")) {
		t.Fatal("ciphertext contains plaintext")
	}

	token, err := v.OpenToken(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if token != "join-token-123" {
		t.Errorf("expected original token, got %q", token)
	}
}

func TestDeterministicKey(t *testing.T) {
	v1 := New("same passphrase")
	v2 := New("same passphrase")

	ciphertext, nonce, err := v1.SealToken("tok")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// A vault from the same passphrase must decrypt across restarts.
	token, err := v2.OpenToken(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open with rederived key: %v", err)
	}
	if token != "tok" {
		t.Errorf("expected tok, got %q", token)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := New("passphrase one")
	v2 := New("passphrase two")

	ciphertext, nonce, err := v1.SealToken("tok")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.OpenToken(ciphertext, nonce); err == nil {
		t.Fatal("expected decryption failure with wrong passphrase")
	}
}
