package memory

import (
	"encoding/json"
	"fmt"

	"xerus/internal/crypto"
	"xerus/internal/models"
)

// entryCodec serializes content and metadata for durable storage, applying
// per-user at-rest encryption when an encryption service is configured.
// Both the SQL and Mongo stores share it so an encrypted deployment can
// switch backends without re-encrypting.
type entryCodec struct {
	enc *crypto.EncryptionService
}

func (c entryCodec) encodeContent(userID string, content any) (string, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to serialize content: %w", err)
	}
	return c.seal(userID, data)
}

func (c entryCodec) decodeContent(userID, stored string) (any, error) {
	data, err := c.open(userID, stored)
	if err != nil {
		return nil, err
	}

	var content any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to deserialize content: %w", err)
	}
	return content, nil
}

func (c entryCodec) encodeMetadata(userID string, md *models.Metadata) (string, error) {
	if md == nil {
		return "", nil
	}

	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return c.seal(userID, data)
}

func (c entryCodec) decodeMetadata(userID, stored string) (*models.Metadata, error) {
	if stored == "" {
		return nil, nil
	}

	data, err := c.open(userID, stored)
	if err != nil {
		return nil, err
	}

	md := &models.Metadata{}
	if err := json.Unmarshal(data, md); err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
	}
	return md, nil
}

func (c entryCodec) seal(userID string, data []byte) (string, error) {
	if c.enc == nil {
		return string(data), nil
	}

	sealed, err := c.enc.Encrypt(userID, data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt entry: %w", err)
	}
	return sealed, nil
}

func (c entryCodec) open(userID, stored string) ([]byte, error) {
	if c.enc == nil {
		return []byte(stored), nil
	}

	data, err := c.enc.Decrypt(userID, stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt entry: %w", err)
	}
	return data, nil
}
