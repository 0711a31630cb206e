package risk

import (
	"fmt"
	"strings"

	"approvalscan/pkg/models"
)

// RuleKind 规则类别
type RuleKind int

const (
	RuleUnlimitedERC20 RuleKind = iota
	RuleNFTOperator
	RuleBlacklistedSpender
	RuleUnknownSpender
)

// 各规则默认分值与原因
const (
	UnlimitedERC20Points = 25
	NFTOperatorPoints    = 30
	UnknownSpenderPoints = 10

	UnlimitedERC20Reason = "Unlimited ERC20 approval - spender can transfer any amount"
	NFTOperatorReason    = "NFT operator approval - spender can transfer all your NFTs from this collection"
	UnknownSpenderReason = "Approval to unverified contract"
	BlacklistReason      = "Approval to known malicious contract"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// DefaultKnownSpenders 常见协议合约
var DefaultKnownSpenders = []string{
	"0x7a250d5630b4cf539739df2c5dacb4c659f2488d", // Uniswap V2 Router
	"0xe592427a0aece92de3edee1f18e0157c05861564", // Uniswap V3 Router
	"0x1111111254fb6c44baaac2c91e80f689c7e4a0cf", // 1inch
	"0xdef1c0ded9bec7f1a1670819833240f027b25eff", // 0x Exchange Proxy
	"0x00000000006c3852cbef3e08e8df289169ede581", // OpenSea Seaport
	"0x7f268357a8c2552623316e2562d90e642bb538e5", // OpenSea Legacy
}

// Contribution 单条规则对一次评估的贡献
type Contribution struct {
	Points int
	Reason string
}

// CheckFunc 规则判定，不得修改入参
type CheckFunc func(a *models.NormalizedApproval, s *Snapshot) (Contribution, bool, error)

// Rule 有序规则表中的一项
type Rule struct {
	Kind   RuleKind
	Name   string
	Points int
	Reason string
	Check  CheckFunc
}

// Snapshot 评估期间使用的黑名单与可信spender快照
type Snapshot struct {
	blacklist map[string]*models.BlacklistEntry
	known     map[string]struct{}
}

// NewSnapshot 只收录有效黑名单条目，extraKnown追加到默认可信列表
func NewSnapshot(entries []*models.BlacklistEntry, extraKnown []string) *Snapshot {
	s := &Snapshot{
		blacklist: make(map[string]*models.BlacklistEntry, len(entries)),
		known:     make(map[string]struct{}, len(DefaultKnownSpenders)+len(extraKnown)),
	}
	for _, e := range entries {
		if e == nil || !e.IsActive {
			continue
		}
		copied := *e
		s.blacklist[strings.ToLower(e.Address)] = &copied
	}
	for _, addr := range DefaultKnownSpenders {
		s.known[addr] = struct{}{}
	}
	for _, addr := range extraKnown {
		if addr = strings.ToLower(strings.TrimSpace(addr)); addr != "" {
			s.known[addr] = struct{}{}
		}
	}
	return s
}

// Blacklisted 查找有效黑名单条目
func (s *Snapshot) Blacklisted(addr string) (*models.BlacklistEntry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.blacklist[strings.ToLower(addr)]
	return e, ok
}

// IsKnown 是否为可信spender
func (s *Snapshot) IsKnown(addr string) bool {
	if s == nil {
		return false
	}
	_, ok := s.known[strings.ToLower(addr)]
	return ok
}

// BlacklistSize 黑名单条目数
func (s *Snapshot) BlacklistSize() int {
	if s == nil {
		return 0
	}
	return len(s.blacklist)
}

// DefaultRules 固定顺序的规则表
func DefaultRules() []Rule {
	return []Rule{
		{
			Kind:   RuleUnlimitedERC20,
			Name:   "unlimited_erc20",
			Points: UnlimitedERC20Points,
			Reason: UnlimitedERC20Reason,
			Check: func(a *models.NormalizedApproval, _ *Snapshot) (Contribution, bool, error) {
				if a.TokenType == models.TokenTypeERC20 && a.IsUnlimited {
					return Contribution{UnlimitedERC20Points, UnlimitedERC20Reason}, true, nil
				}
				return Contribution{}, false, nil
			},
		},
		{
			Kind:   RuleNFTOperator,
			Name:   "nft_operator",
			Points: NFTOperatorPoints,
			Reason: NFTOperatorReason,
			Check: func(a *models.NormalizedApproval, _ *Snapshot) (Contribution, bool, error) {
				if a.TokenType.IsNonFungible() && a.IsOperator {
					return Contribution{NFTOperatorPoints, NFTOperatorReason}, true, nil
				}
				return Contribution{}, false, nil
			},
		},
		{
			Kind:   RuleBlacklistedSpender,
			Name:   "blacklisted_spender",
			Points: models.DefaultBlacklistSeverity,
			Reason: BlacklistReason,
			Check:  checkBlacklisted,
		},
		{
			Kind:   RuleUnknownSpender,
			Name:   "unknown_spender",
			Points: UnknownSpenderPoints,
			Reason: UnknownSpenderReason,
			Check:  checkUnknown,
		},
	}
}

// checkBlacklisted 分值与原因取自命中的黑名单条目
func checkBlacklisted(a *models.NormalizedApproval, s *Snapshot) (Contribution, bool, error) {
	entry, ok := s.Blacklisted(a.SpenderAddress)
	if !ok {
		return Contribution{}, false, nil
	}
	if entry.Severity < 0 {
		return Contribution{}, false, fmt.Errorf("黑名单条目 %s 分值无效: %d", entry.Address, entry.Severity)
	}

	name := entry.Name
	if name == "" {
		name = "malicious contract"
	}
	return Contribution{
		Points: entry.Severity,
		Reason: fmt.Sprintf("Approval to known %s: %s", entry.Category.DisplayName(), name),
	}, true, nil
}

// checkUnknown 黑名单地址已由上一条规则计分，这里不重复计入
func checkUnknown(a *models.NormalizedApproval, s *Snapshot) (Contribution, bool, error) {
	spender := strings.ToLower(a.SpenderAddress)
	if spender == zeroAddress || s.IsKnown(spender) {
		return Contribution{}, false, nil
	}
	if _, blacklisted := s.Blacklisted(spender); blacklisted {
		return Contribution{}, false, nil
	}
	return Contribution{UnknownSpenderPoints, UnknownSpenderReason}, true, nil
}
