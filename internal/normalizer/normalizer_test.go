package normalizer

import (
	"io"
	"math/big"
	"testing"

	"approvalscan/internal/chains"
	"approvalscan/internal/discovery"
	apperrors "approvalscan/internal/errors"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet  = "0x742D35CC6634C0532925A3B844BC454E4438F44E"
	token   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	spender = "0x7A250D5630B4CF539739DF2C5DACB4C659F2488D"
)

func newNormalizer() *Normalizer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewNormalizer(logger)
}

func TestFungible_UnlimitedThreshold(t *testing.T) {
	tests := []struct {
		name      string
		amount    *big.Int
		unlimited bool
	}{
		{"最大值", chains.MaxUint256, true},
		{"恰好阈值", chains.UnlimitedThreshold, true},
		{"低于阈值", new(big.Int).Sub(chains.UnlimitedThreshold, big.NewInt(1)), false},
		{"普通额度", big.NewInt(1_000_000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Fungible(wallet, &discovery.FungibleApproval{TokenAddress: token, SpenderAddress: spender, Amount: tt.amount, BlockNumber: 7})
			require.NoError(t, err)
			assert.Equal(t, tt.unlimited, a.IsUnlimited)
			assert.Equal(t, models.TokenTypeERC20, a.TokenType)
			assert.Equal(t, 0, a.Amount.Cmp(tt.amount))
			assert.False(t, a.IsOperator)
			require.NotNil(t, a.BlockNumber)
			assert.Equal(t, uint64(7), *a.BlockNumber)
		})
	}
}

func TestFungible_LowercasesAddresses(t *testing.T) {
	a, err := Fungible(wallet, &discovery.FungibleApproval{TokenAddress: token, SpenderAddress: spender, Amount: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "0x742d35cc6634c0532925a3b844bc454e4438f44e", a.WalletAddress)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", a.TokenAddress)
	assert.Equal(t, "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", a.SpenderAddress)
	assert.Nil(t, a.BlockNumber)
}

func TestOperator_NoAmount(t *testing.T) {
	a, err := Operator(wallet, &discovery.OperatorApproval{ContractAddress: token, OperatorAddress: spender, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeERC721, a.TokenType)
	assert.Nil(t, a.Amount)
	assert.True(t, a.IsOperator)
	assert.False(t, a.IsUnlimited)
}

func TestNormalize_SkipsBadRecords(t *testing.T) {
	result := &discovery.Result{
		Fungible: []*discovery.FungibleApproval{
			{TokenAddress: token, SpenderAddress: spender, Amount: chains.MaxUint256},
			{TokenAddress: "bogus", SpenderAddress: spender, Amount: big.NewInt(1)},
			{TokenAddress: token, SpenderAddress: spender},
			nil,
		},
		NonFungible: []*discovery.OperatorApproval{
			{ContractAddress: token, OperatorAddress: spender, Approved: true},
			{ContractAddress: token, OperatorAddress: ""},
		},
	}

	out := newNormalizer().Normalize(wallet, result)
	require.Len(t, out, 2)
	assert.True(t, out[0].IsUnlimited)
	assert.True(t, out[1].IsOperator)
}

func TestNormalize_DroppedRecordsReported(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	handler := apperrors.NewErrorHandler(logger)
	n := NewNormalizer(logger).WithErrors(handler)

	out := n.Normalize(wallet, &discovery.Result{
		Fungible: []*discovery.FungibleApproval{
			{TokenAddress: token, SpenderAddress: spender, Amount: big.NewInt(1)},
			{TokenAddress: "bogus", SpenderAddress: spender, Amount: big.NewInt(1)},
		},
		NonFungible: []*discovery.OperatorApproval{nil},
	})
	require.Len(t, out, 1)

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType["Normalization"])
	assert.Equal(t, 2, stats.ErrorsByComponent["normalizer"])
	assert.Equal(t, wallet, stats.LastError.Wallet)
}

func TestNormalize_Empty(t *testing.T) {
	assert.Empty(t, newNormalizer().Normalize(wallet, nil))
	assert.Empty(t, newNormalizer().Normalize(wallet, &discovery.Result{}))
}
