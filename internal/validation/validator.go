package validation

import (
	"fmt"
	"regexp"
	"strings"

	"approvalscan/internal/chains"
	"approvalscan/internal/errors"

	"github.com/sirupsen/logrus"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Validator 扫描输入验证器
type Validator struct {
	logger *logrus.Logger
	rules  map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ScanInput 校验并规范化后的扫描输入
type ScanInput struct {
	Address string `json:"address"`
	ChainID int64  `json:"chain_id"`
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger) *Validator {
	v := &Validator{
		logger: logger,
		rules:  make(map[string]ValidationRule),
	}

	v.AddRule(&AddressValidationRule{})
	v.AddRule(&ChainValidationRule{})

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateAddress 校验钱包地址，返回小写形式
func (v *Validator) ValidateAddress(raw string) (string, error) {
	address := strings.TrimSpace(raw)
	if err := v.rules["address"].Validate(address); err != nil {
		return "", err
	}
	return strings.ToLower(address), nil
}

// ValidateChainID 校验链ID，0表示默认链
func (v *Validator) ValidateChainID(chainID int64) (int64, error) {
	if chainID == 0 {
		chainID = chains.DefaultChainID
	}
	if err := v.rules["chain"].Validate(chainID); err != nil {
		return 0, err
	}
	return chainID, nil
}

// ValidateScanInput 同时校验地址与链ID
func (v *Validator) ValidateScanInput(raw string, chainID int64) (*ScanInput, error) {
	address, err := v.ValidateAddress(raw)
	if err != nil {
		v.logger.WithField("address", raw).Debugf("地址校验失败: %v", err)
		return nil, err
	}
	chainID, err = v.ValidateChainID(chainID)
	if err != nil {
		v.logger.WithField("chain_id", chainID).Debugf("链ID校验失败: %v", err)
		return nil, err
	}
	return &ScanInput{Address: address, ChainID: chainID}, nil
}

// AddressValidationRule 钱包地址规则
type AddressValidationRule struct{}

func (r *AddressValidationRule) Name() string        { return "address" }
func (r *AddressValidationRule) Description() string { return "0x开头的40位十六进制地址" }

// Validate 地址需先去除首尾空白
func (r *AddressValidationRule) Validate(data interface{}) error {
	address, ok := data.(string)
	if !ok {
		return errors.NewInvalidAddress(fmt.Sprintf("Invalid address type: %T", data))
	}
	if address == "" {
		return errors.NewInvalidAddress("Address cannot be empty")
	}
	if !IsValidAddress(address) {
		return errors.NewInvalidAddress(fmt.Sprintf("Invalid Ethereum address format: %s", address))
	}
	return nil
}

// ChainValidationRule 链ID规则
type ChainValidationRule struct{}

func (r *ChainValidationRule) Name() string        { return "chain" }
func (r *ChainValidationRule) Description() string { return "受支持的链ID" }

// Validate 错误信息中列出所有支持的链
func (r *ChainValidationRule) Validate(data interface{}) error {
	chainID, ok := data.(int64)
	if !ok {
		return errors.NewUnsupportedChain(fmt.Sprintf("Invalid chain ID type: %T", data))
	}
	if !chains.IsSupported(chainID) {
		return errors.NewUnsupportedChain(fmt.Sprintf(
			"Unsupported chain ID: %d. Supported chains: %s", chainID, chains.Describe()))
	}
	return nil
}

// IsValidAddress 严格匹配 0x + 40位十六进制
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}
