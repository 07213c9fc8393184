package vault

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ciphertext, err := v.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("got %q, want %q", plain, "hunter2")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected ConfigError for empty key, got nil")
	} else if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestDecryptFailureIsDistinguished(t *testing.T) {
	key, _ := GenerateKey()
	v, _ := New(key)
	_, err := v.Decrypt("not-valid-base64-or-ciphertext!!!")
	if err == nil {
		t.Fatal("expected error for malformed ciphertext")
	}
	if _, ok := err.(*CryptoError); !ok {
		t.Fatalf("expected *CryptoError, got %T", err)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	v1, _ := New(key1)
	v2, _ := New(key2)
	ciphertext, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := v2.Decrypt(ciphertext); err == nil {
		t.Fatal("expected decrypt under wrong key to fail")
	}
}
