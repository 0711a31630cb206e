package models

import (
	"math/big"
	"strings"
	"time"
)

// TokenType 代币标准
type TokenType string

const (
	TokenTypeERC20   TokenType = "ERC20"
	TokenTypeERC721  TokenType = "ERC721"
	TokenTypeERC1155 TokenType = "ERC1155"
	TokenTypeUnknown TokenType = "UNKNOWN"
)

// IsNonFungible 是否为NFT标准
func (t TokenType) IsNonFungible() bool {
	return t == TokenTypeERC721 || t == TokenTypeERC1155
}

// IsFungible 是否为同质化代币
func (t TokenType) IsFungible() bool {
	return t == TokenTypeERC20
}

// NormalizedApproval 统一格式的授权记录，所有地址均为小写
type NormalizedApproval struct {
	WalletAddress   string    `json:"wallet_address"`
	TokenAddress    string    `json:"token_address"`
	TokenType       TokenType `json:"token_type"`
	SpenderAddress  string    `json:"spender_address"`
	Amount          *big.Int  `json:"amount,omitempty"` // NFT授权为空
	IsUnlimited     bool      `json:"is_unlimited"`
	IsOperator      bool      `json:"is_operator"`
	BlockNumber     *uint64   `json:"block_number,omitempty"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
}

// NewNormalizedApproval 构造授权记录，统一小写地址并保证NFT没有数量
func NewNormalizedApproval(wallet, token string, tokenType TokenType, spender string, amount *big.Int) *NormalizedApproval {
	a := &NormalizedApproval{
		WalletAddress:  strings.ToLower(wallet),
		TokenAddress:   strings.ToLower(token),
		TokenType:      tokenType,
		SpenderAddress: strings.ToLower(spender),
	}
	if !tokenType.IsNonFungible() && amount != nil {
		a.Amount = new(big.Int).Set(amount)
	}
	return a
}

// ApprovalRecord 持久化的授权行，引用所属扫描
type ApprovalRecord struct {
	ID              string    `json:"id"`
	ScanID          string    `json:"scan_id"`
	TokenAddress    string    `json:"token_address"`
	TokenType       TokenType `json:"token_type"`
	SpenderAddress  string    `json:"spender_address"`
	ApprovedAmount  *big.Int  `json:"approved_amount,omitempty"`
	IsUnlimited     bool      `json:"is_unlimited"`
	IsOperator      bool      `json:"is_operator"`
	RiskPoints      int       `json:"risk_points"`
	RiskLevel       RiskLevel `json:"risk_level"`
	RiskReasons     []string  `json:"risk_reasons"`
	BlockNumber     *uint64   `json:"block_number,omitempty"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewApprovalRecord 由风险评估结果生成授权行
func NewApprovalRecord(scanID string, eval *RiskEvaluation, now time.Time) *ApprovalRecord {
	a := eval.Approval
	r := &ApprovalRecord{
		ScanID:          scanID,
		TokenAddress:    a.TokenAddress,
		TokenType:       a.TokenType,
		SpenderAddress:  a.SpenderAddress,
		IsUnlimited:     a.IsUnlimited,
		IsOperator:      a.IsOperator,
		RiskPoints:      eval.RiskPoints,
		RiskLevel:       eval.RiskLevel,
		RiskReasons:     append([]string(nil), eval.RiskReasons...),
		TransactionHash: a.TransactionHash,
		CreatedAt:       now,
	}
	if a.Amount != nil {
		r.ApprovedAmount = new(big.Int).Set(a.Amount)
	}
	if a.BlockNumber != nil {
		bn := *a.BlockNumber
		r.BlockNumber = &bn
	}
	return r
}

// ToEvaluation 将持久化行还原为风险评估
func (r *ApprovalRecord) ToEvaluation(wallet string) *RiskEvaluation {
	approval := NewNormalizedApproval(wallet, r.TokenAddress, r.TokenType, r.SpenderAddress, r.ApprovedAmount)
	approval.IsUnlimited = r.IsUnlimited
	approval.IsOperator = r.IsOperator
	approval.BlockNumber = r.BlockNumber
	approval.TransactionHash = r.TransactionHash
	return NewRiskEvaluation(approval, r.RiskPoints, r.RiskReasons)
}
