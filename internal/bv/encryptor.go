package bv

import "io"

// Encryptor seals volumes before upload. Sealing needs only the public key;
// opening them needs the Decrypter returned by Unlock.
type Encryptor interface {
	// Setup creates the key pair, protecting the private half with
	// passphrase. It fails with ErrKeysExist when keys are present.
	Setup(passphrase string) error
	Encrypt(r io.Reader, w io.Writer) error
	// Unlock returns ErrWrongPassphrase for a passphrase that does not
	// open the private key.
	Unlock(passphrase string) (Decrypter, error)
	IsConfigured() bool
	// Extension is the last part of sealed volume names, e.g. "age".
	Extension() string
}

// Decrypter holds an unlocked private key for one run. It never touches disk.
type Decrypter interface {
	Decrypt(r io.Reader, w io.Writer) error
}
