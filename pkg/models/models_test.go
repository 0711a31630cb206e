package models

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRiskLevelFromPoints(t *testing.T) {
	tests := []struct {
		points   int
		expected RiskLevel
	}{
		{0, RiskLevelLow},
		{19, RiskLevelLow},
		{20, RiskLevelMedium},
		{39, RiskLevelMedium},
		{40, RiskLevelHigh},
		{59, RiskLevelHigh},
		{60, RiskLevelCritical},
		{500, RiskLevelCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, RiskLevelFromPoints(tt.points), "points=%d", tt.points)
	}
}

func TestRiskLevelFromPoints_Monotonic(t *testing.T) {
	prev := RiskLevelFromPoints(0).Rank()
	for p := 1; p <= 200; p++ {
		rank := RiskLevelFromPoints(p).Rank()
		assert.GreaterOrEqual(t, rank, prev, "points=%d", p)
		prev = rank
	}
}

func TestNewNormalizedApproval(t *testing.T) {
	amount := big.NewInt(1000)
	a := NewNormalizedApproval("0xABCDEF0000000000000000000000000000000001", "0xAAAA000000000000000000000000000000000002", TokenTypeERC20, "0xBBBB000000000000000000000000000000000003", amount)

	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", a.WalletAddress)
	assert.Equal(t, "0xaaaa000000000000000000000000000000000002", a.TokenAddress)
	assert.Equal(t, "0xbbbb000000000000000000000000000000000003", a.SpenderAddress)
	assert.Equal(t, 0, a.Amount.Cmp(amount))

	// 修改入参不影响已构造的记录
	amount.SetInt64(1)
	assert.Equal(t, "1000", a.Amount.String())

	nft := NewNormalizedApproval("0x01", "0x02", TokenTypeERC721, "0x03", big.NewInt(5))
	assert.Nil(t, nft.Amount)
}

func TestNewRiskEvaluation(t *testing.T) {
	eval := NewRiskEvaluation(&NormalizedApproval{}, 45, nil)
	assert.Equal(t, RiskLevelHigh, eval.RiskLevel)
	assert.True(t, eval.IsHighRisk())
	assert.NotNil(t, eval.RiskReasons)

	low := NewRiskEvaluation(&NormalizedApproval{}, -5, []string{"x"})
	assert.Equal(t, 0, low.RiskPoints)
	assert.False(t, low.IsHighRisk())
}

func TestScanLifecycle(t *testing.T) {
	now := time.Now()
	scan := &Scan{ID: "s1", Status: ScanStatusInProgress, StartedAt: now}
	assert.False(t, scan.Status.IsTerminal())

	scan.MarkCompleted(&WalletRiskSummary{TotalApprovals: 2, TotalRiskScore: 55, RiskLevel: RiskLevelMedium, HighRiskCount: 1}, now)
	assert.Equal(t, ScanStatusCompleted, scan.Status)
	assert.Equal(t, 55, scan.TotalRiskScore)
	assert.NotNil(t, scan.CompletedAt)
	assert.True(t, scan.Status.IsTerminal())

	clone := scan.Clone()
	clone.MarkFailed("boom", now.Add(time.Second))
	assert.Equal(t, ScanStatusCompleted, scan.Status)
	assert.Equal(t, ScanStatusFailed, clone.Status)
	assert.Equal(t, "boom", clone.ErrorMessage)
	assert.NotEqual(t, scan.CompletedAt, clone.CompletedAt)
}

func TestApprovalRecordRoundTrip(t *testing.T) {
	bn := uint64(123)
	a := NewNormalizedApproval("0xw", "0xt", TokenTypeERC20, "0xs", big.NewInt(7))
	a.BlockNumber = &bn
	a.TransactionHash = "0xhash"
	eval := NewRiskEvaluation(a, 35, []string{"r1", "r2"})

	rec := NewApprovalRecord("scan-1", eval, time.Now())
	assert.Equal(t, "scan-1", rec.ScanID)
	assert.Equal(t, RiskLevelMedium, rec.RiskLevel)
	assert.Equal(t, []string{"r1", "r2"}, rec.RiskReasons)

	back := rec.ToEvaluation("0xw")
	assert.Equal(t, eval.RiskPoints, back.RiskPoints)
	assert.Equal(t, eval.RiskReasons, back.RiskReasons)
	assert.Equal(t, "7", back.Approval.Amount.String())
	assert.Equal(t, uint64(123), *back.Approval.BlockNumber)
}

func TestBlacklistCategoryDisplayName(t *testing.T) {
	assert.Equal(t, "Token Drainer", CategoryDrainer.DisplayName())
	assert.Equal(t, "Known Exploit", CategoryExploit.DisplayName())
	assert.Equal(t, "Unknown Malicious", BlacklistCategory("OTHER").DisplayName())
}
