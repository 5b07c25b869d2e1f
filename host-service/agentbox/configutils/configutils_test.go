package configutils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"short secret", "sk-test-1234567890"},
		{"bot token", "110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"},
		{"unicode", "pässwörd with späces änd ünïcödé"},
		{"long", strings.Repeat("a", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := EncryptToString("test-password", tt.plaintext)
			if err != nil {
				t.Fatalf("EncryptToString failed: %s", err)
			}

			if !strings.HasPrefix(sealed, "enc:") {
				t.Errorf("sealed value missing ciphertext prefix: %q", sealed[:10])
			}
			if strings.Contains(sealed, tt.plaintext) {
				t.Errorf("sealed value contains the plaintext")
			}

			got, err := DecryptFromString("test-password", sealed)
			if err != nil {
				t.Fatalf("DecryptFromString failed: %s", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip mismatch: got %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestDecryptRejectsUnsealedValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"bare plaintext", "sk-test-1234567890"},
		{"empty string", ""},
		{"prefix only, bad base64", "enc:!!!not-base64!!!"},
		{"prefix only, truncated body", "enc:YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptFromString("test-password", tt.value)
			if !errors.Is(err, ErrMalformedCiphertext) {
				t.Errorf("got err = %v, want ErrMalformedCiphertext", err)
			}
		})
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	sealed, err := EncryptToString("correct-password", "the secret")
	if err != nil {
		t.Fatalf("EncryptToString failed: %s", err)
	}

	if _, err := DecryptFromString("wrong-password", sealed); err == nil {
		t.Error("expected decryption with the wrong password to fail")
	}
}

func TestEncryptRefusesEmptyPlaintext(t *testing.T) {
	if _, err := EncryptToString("test-password", ""); err == nil {
		t.Error("expected sealing an empty value to fail")
	}
}

func TestEncryptIsSalted(t *testing.T) {
	a, err := EncryptToString("test-password", "same plaintext")
	if err != nil {
		t.Fatalf("EncryptToString failed: %s", err)
	}
	b, err := EncryptToString("test-password", "same plaintext")
	if err != nil {
		t.Fatalf("EncryptToString failed: %s", err)
	}
	if a == b {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := []byte(`{"operator_name":"Nova","brand":{"name":"Acme","industry":"logistics"}}`)

	compressed, err := CompressLZ4(original)
	if err != nil {
		t.Fatalf("CompressLZ4 failed: %s", err)
	}

	decompressed, err := DecompressLZ4(compressed)
	if err != nil {
		t.Fatalf("DecompressLZ4 failed: %s", err)
	}

	if !bytes.Equal(original, decompressed) {
		t.Errorf("round trip mismatch: got %q, want %q", decompressed, original)
	}
}

func TestSealUnsealBlob(t *testing.T) {
	blob := []byte(strings.Repeat(`{"key":"value"},`, 500))

	sealed, err := SealBlob("test-password", blob)
	if err != nil {
		t.Fatalf("SealBlob failed: %s", err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Errorf("sealed blob missing ciphertext prefix")
	}

	got, err := UnsealBlob("test-password", sealed)
	if err != nil {
		t.Fatalf("UnsealBlob failed: %s", err)
	}
	if !bytes.Equal(got, blob) {
		t.Error("unsealed blob does not match original")
	}

	if _, err := UnsealBlob("test-password", string(blob)); !errors.Is(err, ErrMalformedCiphertext) {
		t.Errorf("unsealing a raw blob: got err = %v, want ErrMalformedCiphertext", err)
	}
}
