package models

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// 风险分数阈值
const (
	CriticalThreshold = 60
	HighThreshold     = 40
	MediumThreshold   = 20
)

// RiskLevelFromPoints 按固定阈值由分数得到风险等级
func RiskLevelFromPoints(points int) RiskLevel {
	switch {
	case points >= CriticalThreshold:
		return RiskLevelCritical
	case points >= HighThreshold:
		return RiskLevelHigh
	case points >= MediumThreshold:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// Rank 等级序号，用于比较
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelCritical:
		return 3
	case RiskLevelHigh:
		return 2
	case RiskLevelMedium:
		return 1
	default:
		return 0
	}
}

// RiskEvaluation 单条授权的风险评估
type RiskEvaluation struct {
	Approval    *NormalizedApproval `json:"approval"`
	RiskPoints  int                 `json:"risk_points"`
	RiskReasons []string            `json:"risk_reasons"`
	RiskLevel   RiskLevel           `json:"risk_level"`
}

// NewRiskEvaluation 风险等级总是由分数推导
func NewRiskEvaluation(approval *NormalizedApproval, points int, reasons []string) *RiskEvaluation {
	if points < 0 {
		points = 0
	}
	if reasons == nil {
		reasons = []string{}
	}
	return &RiskEvaluation{
		Approval:    approval,
		RiskPoints:  points,
		RiskReasons: reasons,
		RiskLevel:   RiskLevelFromPoints(points),
	}
}

// IsHighRisk HIGH或CRITICAL
func (e *RiskEvaluation) IsHighRisk() bool {
	return e.RiskLevel == RiskLevelHigh || e.RiskLevel == RiskLevelCritical
}

// WalletRiskSummary 钱包级风险汇总，构造后不再修改
type WalletRiskSummary struct {
	WalletAddress     string            `json:"wallet_address"`
	TotalApprovals    int               `json:"total_approvals"`
	TotalRiskScore    int               `json:"total_risk_score"`
	RiskLevel         RiskLevel         `json:"risk_level"`
	HighRiskCount     int               `json:"high_risk_count"`
	CriticalRiskCount int               `json:"critical_risk_count"`
	Evaluations       []*RiskEvaluation `json:"evaluations"`
}

// EmptySummary 没有任何授权时的汇总
func EmptySummary(wallet string) *WalletRiskSummary {
	return &WalletRiskSummary{
		WalletAddress: wallet,
		RiskLevel:     RiskLevelLow,
		Evaluations:   []*RiskEvaluation{},
	}
}
