package security

import (
	"bytes"
	"testing"
)

func TestNewKeyBox(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, err := NewKeyBox(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyBox() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && box == nil {
				t.Error("NewKeyBox() returned nil without error")
			}
		})
	}
}

func TestNewKeyBoxFromPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{name: "valid passphrase", passphrase: "my-secure-passphrase", wantErr: false},
		{name: "empty passphrase", passphrase: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, err := NewKeyBoxFromPassphrase(tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyBoxFromPassphrase() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && box == nil {
				t.Error("NewKeyBoxFromPassphrase() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	box, err := NewKeyBox(key)
	if err != nil {
		t.Fatalf("NewKeyBox() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "ed25519-sized key", plaintext: bytes.Repeat([]byte{0xAB}, 64)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := box.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := box.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}

			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("decrypted data does not match original.\nGot:  %v\nWant: %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncrypt_Errors(t *testing.T) {
	box, _ := NewKeyBox(make([]byte, 32))

	tests := []struct {
		name      string
		plaintext []byte
		wantErr   bool
	}{
		{name: "empty data", plaintext: []byte{}, wantErr: true},
		{name: "nil data", plaintext: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := box.Encrypt(tt.plaintext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encrypt() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecrypt_Errors(t *testing.T) {
	box, _ := NewKeyBox(make([]byte, 32))

	tests := []struct {
		name       string
		ciphertext []byte
		wantErr    bool
	}{
		{name: "empty data", ciphertext: []byte{}, wantErr: true},
		{name: "nil data", ciphertext: nil, wantErr: true},
		{name: "too short data", ciphertext: []byte{0x01, 0x02}, wantErr: true},
		{name: "corrupted data", ciphertext: bytes.Repeat([]byte("x"), 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := box.Decrypt(tt.ciphertext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decrypt() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))

	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	box1, _ := NewKeyBox(key1)
	box2, _ := NewKeyBox(key2)

	plaintext := []byte("node private key bytes")

	ciphertext, err := box1.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = box2.Decrypt(ciphertext)
	if err == nil {
		t.Error("Decrypt() should fail with wrong key")
	}
}
