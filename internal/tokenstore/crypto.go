package tokenstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// encScheme names the at-rest encryption scheme in the sealed file format.
const encScheme = "xchacha20poly1305"

// sealedRecord is the on-disk form of an encrypted credentials file.
// UserID stays in the clear because open needs it as the AEAD associated
// data; binding it there means a sealed record cannot be copied between
// user directories.
type sealedRecord struct {
	UserID string `json:"user_id"`
	Enc    string `json:"enc"`
	Data   string `json:"data"` // base64(nonce || ciphertext)
}

// sealer performs authenticated encryption of credential records with
// XChaCha20-Poly1305.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid token encryption key: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(creds *Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nonce, nonce, plaintext, []byte(creds.UserID))
	record := sealedRecord{
		UserID: creds.UserID,
		Enc:    encScheme,
		Data:   base64.StdEncoding.EncodeToString(ciphertext),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sealed record: %w", err)
	}
	return data, nil
}

func (s *sealer) open(data []byte) (*Credentials, error) {
	var record sealedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse sealed record: %w", err)
	}
	if record.Enc != encScheme {
		return nil, fmt.Errorf("unsupported encryption scheme %q", record.Enc)
	}

	blob, err := base64.StdEncoding.DecodeString(record.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed data: %w", err)
	}
	if len(blob) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed data too short")
	}

	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(record.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted credentials: %w", err)
	}
	return &creds, nil
}
