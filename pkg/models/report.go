package models

import "time"

// ScanReport 扫描完成后对外发布的报告
type ScanReport struct {
	Type              string            `json:"type"` // 固定为 "wallet_scan"
	ScanID            string            `json:"scan_id"`
	WalletAddress     string            `json:"wallet_address"`
	ChainID           int64             `json:"chain_id"`
	Status            ScanStatus        `json:"status"`
	TotalApprovals    int               `json:"total_approvals"`
	TotalRiskScore    int               `json:"total_risk_score"`
	RiskLevel         RiskLevel         `json:"risk_level"`
	HighRiskCount     int               `json:"high_risk_count"`
	CriticalRiskCount int               `json:"critical_risk_count"`
	Approvals         []*ApprovalReport `json:"approvals"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// ApprovalReport 报告中的单条授权
type ApprovalReport struct {
	TokenAddress   string    `json:"token_address"`
	TokenType      TokenType `json:"token_type"`
	SpenderAddress string    `json:"spender_address"`
	Amount         string    `json:"amount,omitempty"`
	IsUnlimited    bool      `json:"is_unlimited"`
	IsOperator     bool      `json:"is_operator"`
	RiskPoints     int       `json:"risk_points"`
	RiskLevel      RiskLevel `json:"risk_level"`
	RiskReasons    []string  `json:"risk_reasons"`
}

// NewScanReport 由扫描记录和汇总生成报告
func NewScanReport(scan *Scan, summary *WalletRiskSummary, now time.Time) *ScanReport {
	r := &ScanReport{
		Type:              "wallet_scan",
		ScanID:            scan.ID,
		WalletAddress:     scan.WalletAddress,
		ChainID:           scan.ChainID,
		Status:            scan.Status,
		TotalApprovals:    scan.TotalApprovals,
		TotalRiskScore:    scan.TotalRiskScore,
		RiskLevel:         scan.RiskLevel,
		HighRiskCount:     scan.HighRiskCount,
		CriticalRiskCount: scan.CriticalRiskCount,
		Approvals:         make([]*ApprovalReport, 0),
		GeneratedAt:       now,
	}
	if summary == nil {
		return r
	}
	for _, eval := range summary.Evaluations {
		a := eval.Approval
		item := &ApprovalReport{
			TokenAddress:   a.TokenAddress,
			TokenType:      a.TokenType,
			SpenderAddress: a.SpenderAddress,
			IsUnlimited:    a.IsUnlimited,
			IsOperator:     a.IsOperator,
			RiskPoints:     eval.RiskPoints,
			RiskLevel:      eval.RiskLevel,
			RiskReasons:    eval.RiskReasons,
		}
		if a.Amount != nil {
			item.Amount = a.Amount.String()
		}
		r.Approvals = append(r.Approvals, item)
	}
	return r
}
