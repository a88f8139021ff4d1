package cmd

import (
	"fmt"
	"io"

	"grimm.is/warden/internal/auth"
)

// RunToken generates an API token and prints it with the configuration
// snippet that enables it.
func RunToken(w io.Writer) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	Printer.Fprintf(w, "Token: %s\n\n", token)
	Printer.Fprintf(w, "Add to the configuration:\n\n")
	Printer.Fprintf(w, "api {\n  token_hash = %q\n}\n\n", hash)
	Printer.Fprintf(w, "and give clients the token:\n\n  export %s=%s\n", TokenEnv(), token)
	return nil
}
