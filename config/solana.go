// config/solana.go
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaConfig holds the RPC client and the custodial keypair. The keypair
// is injected into the disbursement worker from here and must never be
// reached through globals.
type SolanaConfig struct {
	Client            *rpc.Client
	CustodialKey      solana.PrivateKey
	FeeBufferLamports uint64
}

// LoadSolanaConfig reads SOLANA_RPC_URL and CUSTODIAL_PRIVATE_KEY and
// builds the client. Fails fast when the keypair is missing or malformed.
func LoadSolanaConfig() *SolanaConfig {
	rpcURL := os.Getenv("SOLANA_RPC_URL")
	if rpcURL == "" {
		rpcURL = rpc.DevNet_RPC
		log.Println("SOLANA_RPC_URL not set, defaulting to devnet")
	}

	keyStr := os.Getenv("CUSTODIAL_PRIVATE_KEY")
	if keyStr == "" {
		log.Fatal("CUSTODIAL_PRIVATE_KEY environment variable is required")
	}

	custodialKey, err := solana.PrivateKeyFromBase58(keyStr)
	if err != nil {
		log.Fatal("Invalid CUSTODIAL_PRIVATE_KEY: ", err)
	}

	// Buffer kept on top of every preflight balance check so the custodial
	// wallet can always pay the network fee and stay rent-exempt.
	feeBuffer := uint64(5_000_000) // 0.005 SOL
	if bufStr := os.Getenv("FEE_BUFFER_LAMPORTS"); bufStr != "" {
		if buf, err := strconv.ParseUint(bufStr, 10, 64); err == nil {
			feeBuffer = buf
		}
	}

	log.Printf("Solana RPC: %s", rpcURL)
	log.Printf("Custodial wallet: %s", custodialKey.PublicKey())

	return &SolanaConfig{
		Client:            rpc.New(rpcURL),
		CustodialKey:      custodialKey,
		FeeBufferLamports: feeBuffer,
	}
}
