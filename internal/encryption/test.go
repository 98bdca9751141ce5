package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"bv-go/internal/bv"
)

// plainMagic opens every volume sealed by PlainSealer.
var plainMagic = []byte("BVTEST\x00\x01")

// PlainSealer is the "test" encryption type: volumes get a fixed header
// and are otherwise left readable. Output is deterministic, so tests can
// compare hashes. Any passphrase unlocks it.
type PlainSealer struct{}

var (
	_ bv.Encryptor = PlainSealer{}
	_ bv.Decrypter = PlainSealer{}
)

func NewTestEncryptor() PlainSealer { return PlainSealer{} }

func (PlainSealer) Setup(string) error { return nil }

func (PlainSealer) Encrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, io.MultiReader(bytes.NewReader(plainMagic), r))
	return err
}

func (s PlainSealer) Unlock(string) (bv.Decrypter, error) { return s, nil }

func (PlainSealer) IsConfigured() bool { return true }

func (PlainSealer) Extension() string { return "tenc" }

func (PlainSealer) Decrypt(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(plainMagic))
	if err != nil || !bytes.Equal(head, plainMagic) {
		return fmt.Errorf("not a test-sealed volume")
	}
	br.Discard(len(plainMagic))
	_, err = io.Copy(w, br)
	return err
}
