// Package main provides a one-shot utility for signing key generation.
//
// It emits the Ed25519 keypair enrolled with the network registry.
package main

import (
	"os"

	"github.com/hailo-mobility/hailo/internal/platform/config"
	"github.com/hailo-mobility/hailo/internal/tools/keygen"
)

func main() {
	if err := keygen.Run(os.Stdout); err != nil {
		config.Exitf("generate signing key: %v", err)
	}
}
