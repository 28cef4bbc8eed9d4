// services/price_service.go
package services

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"

	"github.com/solgems/gemspay_backend/models"
)

const gemsPerSolCacheKey = "gemspay:gems_per_sol"

// PriceService answers "how many gems buy one SOL" at this moment. The real
// feed is an external collaborator; operators push the current rate into
// Redis, and the env value is the fallback. A quote is computed once at
// request time and frozen onto the withdrawal record, never recomputed.
type PriceService struct {
	redis       *redis.Client
	defaultRate int64
	feePercent  int64
	minWithdraw int64
	maxWithdraw int64
}

// NewPriceService reads rate and fee policy from the environment.
func NewPriceService(redisClient *redis.Client) *PriceService {
	s := &PriceService{
		redis:       redisClient,
		defaultRate: envInt64("GEMS_PER_SOL", 1000),
		feePercent:  envInt64("WITHDRAWAL_FEE_PERCENT", 2),
		minWithdraw: envInt64("MIN_WITHDRAWAL_GEMS", 100),
		maxWithdraw: envInt64("MAX_WITHDRAWAL_GEMS", 1_000_000),
	}
	log.Printf("Withdrawal pricing: %d gems/SOL, %d%% fee, min %d, max %d",
		s.defaultRate, s.feePercent, s.minWithdraw, s.maxWithdraw)
	return s
}

// GemsPerSol returns the current exchange rate, preferring the Redis
// override when one is set.
func (s *PriceService) GemsPerSol(ctx context.Context) int64 {
	if s.redis != nil {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if val, err := s.redis.Get(rctx, gemsPerSolCacheKey).Result(); err == nil {
			if rate, err := strconv.ParseInt(val, 10, 64); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return s.defaultRate
}

// Quote converts a gems amount into the fee breakdown and lamports payout
// at the current rate.
func (s *PriceService) Quote(ctx context.Context, gems int64) models.WithdrawalQuote {
	rate := s.GemsPerSol(ctx)
	fee := gems * s.feePercent / 100
	net := gems - fee
	lamports := uint64(net) * solana.LAMPORTS_PER_SOL / uint64(rate)
	return models.WithdrawalQuote{
		GemsAmount:        gems,
		FeeAmount:         fee,
		NetGems:           net,
		SolAmountLamports: lamports,
		GemsPerSol:        rate,
	}
}

// MinWithdrawal is the smallest request accepted at intake.
func (s *PriceService) MinWithdrawal() int64 { return s.minWithdraw }

// MaxWithdrawal is the absolute per-request cap.
func (s *PriceService) MaxWithdrawal() int64 { return s.maxWithdraw }

func envInt64(key string, fallback int64) int64 {
	if str := os.Getenv(key); str != "" {
		if v, err := strconv.ParseInt(str, 10, 64); err == nil && v > 0 {
			return v
		}
		log.Printf("Ignoring invalid %s=%q", key, os.Getenv(key))
	}
	return fallback
}
