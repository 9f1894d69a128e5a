package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/wallet"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateWallet()
	case "address":
		showAddress()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: wallet <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  generate          Generate a fresh wallet seed and print its address")
	fmt.Println("  address <seed>    Show the address for a hex seed")
}

func generateWallet() {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	w := wallet.FromSeed(seed)
	fmt.Printf("seed:    %s\n", hex.EncodeToString(seed[:]))
	fmt.Printf("address: %s\n", wallet.EncodeAddress(w.Address()))
	fmt.Println()
	fmt.Println("Keep the seed secret; it derives both the view and spend keys.")
}

func showAddress() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}
	raw, err := hex.DecodeString(os.Args[2])
	if err != nil || len(raw) != 32 {
		fmt.Fprintln(os.Stderr, "seed must be 64 hex characters")
		os.Exit(1)
	}
	var seed [32]byte
	copy(seed[:], raw)
	keys := crypto.WalletKeysFromSeed(seed)
	fmt.Printf("address: %s\n", wallet.EncodeAddress(keys.Address()))
}
