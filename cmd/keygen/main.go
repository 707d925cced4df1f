// Command keygen prints a hex-encoded 32-byte encryption key suitable for
// the ENCRYPTION_KEY setting. By default the key is random; with -p it is
// derived from a passphrase read off the terminal, so the same passphrase
// and salt always reproduce the same key.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/cryptox"
)

func main() {
	fromPassphrase := flag.Bool("p", false, "derive the key from a passphrase instead of random bytes")
	salt := flag.String("salt", "", "salt for passphrase derivation (required with -p)")
	flag.Parse()

	if !*fromPassphrase {
		fmt.Println(hex.EncodeToString(common.GenerateRandByteArray(cryptox.KeySize)))
		return
	}

	if *salt == "" {
		fmt.Fprintln(os.Stderr, "-salt is required with -p")
		os.Exit(1)
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading passphrase: %v\n", err)
		os.Exit(1)
	}
	defer common.WipeByteArray(passphrase)

	key := cryptox.DeriveKey(passphrase, []byte(*salt))
	fmt.Println(hex.EncodeToString(key))
}
