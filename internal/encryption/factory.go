package encryption

import (
	"fmt"

	"bv-go/internal/bv"
	"bv-go/internal/config"
)

// NewEncryptorFromConfig returns the Encryptor for cfg.Type. An empty type
// means age. "none" yields a nil Encryptor and volumes go up in the clear.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (bv.Encryptor, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "test":
		return PlainSealer{}, nil
	case "", "age":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption needs public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	}
	return nil, fmt.Errorf("unknown encryption type %q", cfg.Type)
}
