package models

import "time"

// ScanStatus 扫描生命周期状态
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "PENDING"
	ScanStatusInProgress ScanStatus = "IN_PROGRESS"
	ScanStatusCompleted  ScanStatus = "COMPLETED"
	ScanStatusFailed     ScanStatus = "FAILED"
)

// IsTerminal 是否为终态
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// Wallet 被扫描的钱包
type Wallet struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	ChainID        int64      `json:"chain_id"`
	TotalScans     int        `json:"total_scans"`
	FirstScannedAt time.Time  `json:"first_scanned_at"`
	LastScannedAt  *time.Time `json:"last_scanned_at,omitempty"`
}

// Scan 一次扫描的记录
type Scan struct {
	ID                string     `json:"id"`
	WalletID          string     `json:"wallet_id"`
	WalletAddress     string     `json:"wallet_address"`
	ChainID           int64      `json:"chain_id"`
	Status            ScanStatus `json:"status"`
	TotalApprovals    int        `json:"total_approvals"`
	TotalRiskScore    int        `json:"total_risk_score"`
	RiskLevel         RiskLevel  `json:"risk_level"`
	HighRiskCount     int        `json:"high_risk_count"`
	CriticalRiskCount int        `json:"critical_risk_count"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// MarkCompleted 写入汇总并置为COMPLETED
func (s *Scan) MarkCompleted(summary *WalletRiskSummary, now time.Time) {
	s.Status = ScanStatusCompleted
	s.TotalApprovals = summary.TotalApprovals
	s.TotalRiskScore = summary.TotalRiskScore
	s.RiskLevel = summary.RiskLevel
	s.HighRiskCount = summary.HighRiskCount
	s.CriticalRiskCount = summary.CriticalRiskCount
	s.CompletedAt = &now
	s.ErrorMessage = ""
}

// MarkFailed 置为FAILED并记录错误
func (s *Scan) MarkFailed(message string, now time.Time) {
	s.Status = ScanStatusFailed
	s.ErrorMessage = message
	s.CompletedAt = &now
}

// Clone 返回副本
func (s *Scan) Clone() *Scan {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
