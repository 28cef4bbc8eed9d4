// services/solana_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solgems/gemspay_backend/config"
)

// SignatureState is what the cluster knows about a submitted transfer.
type SignatureState int

const (
	// SignatureUnknown: the cluster has never seen this signature. Only in
	// this state is a fresh submit safe.
	SignatureUnknown SignatureState = iota
	// SignatureSubmitted: seen but not yet at confirmed commitment.
	SignatureSubmitted
	// SignatureConfirmed: confirmed or finalized.
	SignatureConfirmed
	// SignatureFailed: the transaction landed but errored; no lamports moved.
	SignatureFailed
)

// SolanaService wraps the RPC client and the custodial keypair. It is the
// only place that signs anything.
type SolanaService struct {
	client    *rpc.Client
	custodial solana.PrivateKey
	debug     bool
}

// NewSolanaService builds the service from injected configuration.
func NewSolanaService(cfg *config.SolanaConfig) *SolanaService {
	return &SolanaService{
		client:    cfg.Client,
		custodial: cfg.CustodialKey,
		debug:     os.Getenv("SOLANA_DEBUG") == "true",
	}
}

// CustodialAddress returns the pooled wallet's public key.
func (s *SolanaService) CustodialAddress() string {
	return s.custodial.PublicKey().String()
}

// CustodialBalance returns the pooled wallet balance in lamports.
func (s *SolanaService) CustodialBalance(ctx context.Context) (uint64, error) {
	out, err := s.client.GetBalance(ctx, s.custodial.PublicKey(), rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch custodial balance: %w", err)
	}
	return out.Value, nil
}

// SendLamports builds, signs and broadcasts a transfer from the custodial
// wallet. Returns the transaction signature. A returned error only means the
// broadcast call failed; an error after this point never implies the
// transfer did not happen.
func (s *SolanaService) SendLamports(ctx context.Context, to string, lamports uint64) (string, error) {
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", to, err)
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(
				lamports,
				s.custodial.PublicKey(),
				dest,
			).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.custodial.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transfer: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.custodial.PublicKey()) {
			return &s.custodial
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transfer: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transfer: %w", err)
	}

	if s.debug {
		log.Printf("Broadcast %d lamports to %s: %s", lamports, to, sig)
	}
	return sig.String(), nil
}

// SignatureStatus asks the cluster about one signature. Used both for
// confirmation polling and for the resubmission guard on reclaimed records.
func (s *SolanaService) SignatureStatus(ctx context.Context, signature string) (SignatureState, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return SignatureUnknown, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	// searchTransactionHistory=true so a signature older than the recent
	// status cache is still found rather than treated as never-sent.
	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureUnknown, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureUnknown, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return SignatureFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return SignatureConfirmed, nil
	default:
		return SignatureSubmitted, nil
	}
}
