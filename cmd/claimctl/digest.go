package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// digestOptions selects where a digest comes from.
type digestOptions struct {
	File string // File, if set, is hashed with blake3 instead of reading a hex argument
}

// resolve returns the digest named by args or by the --file flag.
func (o *digestOptions) resolve(args []string) ([]byte, error) {
	if o.File != "" {
		if len(args) > 0 {
			return nil, newExitError(exitCommandError, "pass either a hex digest or --file, not both")
		}

		data, err := os.ReadFile(o.File)
		if err != nil {
			return nil, wrapExitError(exitCommandError, "read file", err)
		}

		sum := blake3.Sum256(data)
		return sum[:], nil
	}

	if len(args) != 1 {
		return nil, newExitError(exitCommandError, "expected one hex digest argument")
	}

	digest, err := hex.DecodeString(args[0])
	if err != nil {
		return nil, wrapExitError(exitCommandError, fmt.Sprintf("invalid hex digest %q", args[0]), err)
	}

	return digest, nil
}
