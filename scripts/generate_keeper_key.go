package main

import (
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	// Generate a fresh ECDSA key pair for the keeper's operating account
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal("Failed to generate key:", err)
	}

	privateKeyHex := fmt.Sprintf("%x", crypto.FromECDSA(privateKey))
	fmt.Printf("Private Key: 0x%s\n", privateKeyHex)
	fmt.Println("Export it as DLOOP_PRIVATE_KEY before starting the keeper.")

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	fmt.Printf("Operating Address: %s\n", address.Hex())
}
