package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "master-key":
		key := make([]byte, secret.KeySize)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hex.EncodeToString(key))
	case "hash":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		fmt.Println(secret.Hash(os.Args[2]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  keygen master-key      Generate a new hex-encoded master encryption key")
	fmt.Println("  keygen hash <token>    Print the SHA-256 hash of a client key token")
}
