package normalizer

import (
	"context"
	"fmt"

	"approvalscan/internal/chains"
	"approvalscan/internal/discovery"
	apperrors "approvalscan/internal/errors"
	"approvalscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Normalizer 将确认后的授权转换为统一格式
type Normalizer struct {
	logger *logrus.Logger
	errors *apperrors.ErrorHandler
}

// NewNormalizer 创建转换器
func NewNormalizer(logger *logrus.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// WithErrors 被跳过的记录同时上报到错误处理器
func (n *Normalizer) WithErrors(handler *apperrors.ErrorHandler) *Normalizer {
	n.errors = handler
	return n
}

// Normalize 转换一次发现结果，单条失败时跳过
func (n *Normalizer) Normalize(wallet string, result *discovery.Result) []*models.NormalizedApproval {
	if result == nil {
		return []*models.NormalizedApproval{}
	}

	out := make([]*models.NormalizedApproval, 0, result.Total())
	for _, item := range result.Fungible {
		approval, err := n.safe(func() (*models.NormalizedApproval, error) { return Fungible(wallet, item) })
		if err != nil {
			n.drop(wallet, "跳过无法转换的ERC20授权", err)
			continue
		}
		out = append(out, approval)
	}
	for _, item := range result.NonFungible {
		approval, err := n.safe(func() (*models.NormalizedApproval, error) { return Operator(wallet, item) })
		if err != nil {
			n.drop(wallet, "跳过无法转换的NFT授权", err)
			continue
		}
		out = append(out, approval)
	}
	return out
}

func (n *Normalizer) drop(wallet, message string, err error) {
	if n.errors == nil {
		n.logger.Warnf("%s: %v", message, err)
		return
	}
	scanErr := apperrors.NewNormalizationError(message, err).WithComponent("normalizer")
	scanErr.Wallet = wallet
	_ = n.errors.HandleError(context.Background(), scanErr)
}

func (n *Normalizer) safe(fn func() (*models.NormalizedApproval, error)) (approval *models.NormalizedApproval, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("转换时发生panic: %v", r)
		}
	}()
	return fn()
}

// Fungible 转换ERC20授权
func Fungible(wallet string, item *discovery.FungibleApproval) (*models.NormalizedApproval, error) {
	if item == nil {
		return nil, fmt.Errorf("授权记录为空")
	}
	if err := checkAddresses(wallet, item.TokenAddress, item.SpenderAddress); err != nil {
		return nil, err
	}
	if item.Amount == nil {
		return nil, fmt.Errorf("授权数量为空: %s", item.TokenAddress)
	}

	a := models.NewNormalizedApproval(wallet, item.TokenAddress, models.TokenTypeERC20, item.SpenderAddress, item.Amount)
	a.IsUnlimited = chains.IsUnlimited(item.Amount)
	a.BlockNumber = blockRef(item.BlockNumber)
	a.TransactionHash = item.TransactionHash
	return a, nil
}

// Operator 转换NFT全量授权，数量始终为空
func Operator(wallet string, item *discovery.OperatorApproval) (*models.NormalizedApproval, error) {
	if item == nil {
		return nil, fmt.Errorf("授权记录为空")
	}
	if err := checkAddresses(wallet, item.ContractAddress, item.OperatorAddress); err != nil {
		return nil, err
	}

	a := models.NewNormalizedApproval(wallet, item.ContractAddress, models.TokenTypeERC721, item.OperatorAddress, nil)
	a.IsOperator = item.Approved
	a.BlockNumber = blockRef(item.BlockNumber)
	a.TransactionHash = item.TransactionHash
	return a, nil
}

func checkAddresses(addrs ...string) error {
	for _, addr := range addrs {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("地址无效: %q", addr)
		}
	}
	return nil
}

func blockRef(block uint64) *uint64 {
	if block == 0 {
		return nil
	}
	b := block
	return &b
}
