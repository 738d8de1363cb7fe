// Command keygen seals a wallet mnemonic for wallets.encrypted_mnemonic.
// The mnemonic is read from BROADCASTER_WALLETS_MNEMONIC. A master key is
// generated unless BROADCASTER_WALLETS_MASTER_KEY is set.
package main

import (
	"fmt"
	"os"

	"github.com/chainsafe/shielded-broadcaster/pkg/keys"
)

func main() {
	mnemonic := os.Getenv("BROADCASTER_WALLETS_MNEMONIC")
	if mnemonic == "" {
		fmt.Fprintln(os.Stderr, "BROADCASTER_WALLETS_MNEMONIC is not set")
		os.Exit(1)
	}

	var masterKey []byte
	var err error
	if encoded := os.Getenv("BROADCASTER_WALLETS_MASTER_KEY"); encoded != "" {
		masterKey, err = keys.MasterKeyFromBase64(encoded)
	} else {
		masterKey, err = keys.GenerateMasterKey()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "master key: %v\n", err)
		os.Exit(1)
	}

	encrypted, err := keys.EncryptMnemonic(mnemonic, masterKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt mnemonic: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("BROADCASTER_WALLETS_MASTER_KEY=%s\n", keys.MasterKeyToBase64(masterKey))
	fmt.Printf("encrypted_mnemonic: %s\n", encrypted)
}
