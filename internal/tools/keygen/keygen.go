// Package keygen emits the Ed25519 keypair used for network registry
// enrollment and request signing.
package keygen

import (
	"errors"
	"fmt"
	"io"

	"github.com/hailo-mobility/hailo/internal/signature"
)

// Run generates a signing key pair and writes exports.
func Run(out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	publicKey, privateKey, err := signature.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export HAILO_SIGNING_PRIVATE_KEY=%s\n", privateKey); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export HAILO_SIGNING_PUBLIC_KEY=%s\n", publicKey); err != nil {
		return err
	}
	return nil
}
