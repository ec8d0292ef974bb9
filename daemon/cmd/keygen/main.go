// keygen produces at-rest encryption key material for the broker config.
// With -passphrase it prompts without echo and prints the salt to store in
// encryption_salt; otherwise it prints a random raw key for encryption_key.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/onlitec/onlidesk-broker/internal/fileguard"
)

func main() {
	usePassphrase := flag.Bool("passphrase", false, "derive the key from a passphrase instead of generating a random one")
	flag.Parse()

	if !*usePassphrase {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fatal(err)
		}
		fmt.Println("Set via environment, never in the config file:")
		fmt.Printf("  encryption_key = %s\n", hex.EncodeToString(key))
		return
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal(err)
	}
	if len(passphrase) == 0 {
		fatal(fmt.Errorf("empty passphrase"))
	}

	salt, err := fileguard.NewSalt()
	if err != nil {
		fatal(err)
	}
	// Derive once to validate the parameters before printing anything.
	if _, err := fileguard.DeriveKey(string(passphrase), salt); err != nil {
		fatal(err)
	}

	fmt.Println("Store the salt in the config file; keep the passphrase out of it:")
	fmt.Printf("  encryption_salt = %s\n", hex.EncodeToString(salt))
	fmt.Println("Provide the passphrase at startup via ONLIDESK_ENCRYPTION_PASSPHRASE.")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "keygen:", err)
	os.Exit(1)
}
