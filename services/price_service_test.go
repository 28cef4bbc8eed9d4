// services/price_service_test.go
package services

import (
	"context"
	"testing"
)

func testPriceService() *PriceService {
	return &PriceService{
		defaultRate: 1000,
		feePercent:  2,
		minWithdraw: 100,
		maxWithdraw: 1_000_000,
	}
}

func TestQuoteConversion(t *testing.T) {
	svc := testPriceService()

	// 500 gems at 1000 gems/SOL with a 2% fee: 10 gem fee, 490 net,
	// 0.49 SOL = 490,000,000 lamports.
	q := svc.Quote(context.Background(), 500)
	if q.FeeAmount != 10 {
		t.Errorf("fee = %d, want 10", q.FeeAmount)
	}
	if q.NetGems != 490 {
		t.Errorf("net = %d, want 490", q.NetGems)
	}
	if q.SolAmountLamports != 490_000_000 {
		t.Errorf("lamports = %d, want 490000000", q.SolAmountLamports)
	}
	if q.GemsPerSol != 1000 {
		t.Errorf("rate = %d, want 1000", q.GemsPerSol)
	}
}

func TestQuoteFeeRoundsDown(t *testing.T) {
	svc := testPriceService()

	// 2% of 149 is 2.98; integer math keeps the fraction with the user.
	q := svc.Quote(context.Background(), 149)
	if q.FeeAmount != 2 {
		t.Errorf("fee = %d, want 2", q.FeeAmount)
	}
	if q.NetGems != 147 {
		t.Errorf("net = %d, want 147", q.NetGems)
	}
}

func TestQuoteUsesDefaultRateWithoutRedis(t *testing.T) {
	svc := testPriceService()
	if rate := svc.GemsPerSol(context.Background()); rate != 1000 {
		t.Errorf("rate = %d, want default 1000", rate)
	}
}

func TestQuoteAmountsAreConsistent(t *testing.T) {
	svc := testPriceService()
	for _, gems := range []int64{100, 777, 25_000, 1_000_000} {
		q := svc.Quote(context.Background(), gems)
		if q.FeeAmount+q.NetGems != q.GemsAmount {
			t.Errorf("gems=%d: fee %d + net %d != total %d", gems, q.FeeAmount, q.NetGems, q.GemsAmount)
		}
	}
}
