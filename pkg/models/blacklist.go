package models

import "time"

// BlacklistCategory 黑名单分类
type BlacklistCategory string

const (
	CategoryDrainer  BlacklistCategory = "DRAINER"
	CategoryScam     BlacklistCategory = "SCAM"
	CategoryPhishing BlacklistCategory = "PHISHING"
	CategoryExploit  BlacklistCategory = "EXPLOIT"
	CategoryUnknown  BlacklistCategory = "UNKNOWN"
)

// DefaultBlacklistSeverity 默认严重分值
const DefaultBlacklistSeverity = 50

var categoryDisplayNames = map[BlacklistCategory]string{
	CategoryDrainer:  "Token Drainer",
	CategoryScam:     "Scam Contract",
	CategoryPhishing: "Phishing",
	CategoryExploit:  "Known Exploit",
	CategoryUnknown:  "Unknown Malicious",
}

// DisplayName 分类展示名
func (c BlacklistCategory) DisplayName() string {
	if name, ok := categoryDisplayNames[c]; ok {
		return name
	}
	return categoryDisplayNames[CategoryUnknown]
}

// BlacklistEntry 已知恶意地址
type BlacklistEntry struct {
	Address  string            `json:"address"`
	Category BlacklistCategory `json:"category"`
	Severity int               `json:"severity"`
	Name     string            `json:"name,omitempty"`
	Source   string            `json:"source,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	IsActive bool              `json:"is_active"`
	AddedAt  time.Time         `json:"added_at"`
}
