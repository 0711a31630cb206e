package risk

import "approvalscan/pkg/models"

// 钱包级等级提升阈值
const (
	criticalEscalation = 3 // CRITICAL条目数达到此值时钱包为CRITICAL
	highEscalation     = 5 // HIGH条目数达到此值时钱包为HIGH
	mediumEscalation   = 2 // HIGH条目数达到此值时钱包至少为MEDIUM
)

// Aggregate 汇总钱包风险，等级按提升规则优先，其次按平均分
func Aggregate(wallet string, evaluations []*models.RiskEvaluation) *models.WalletRiskSummary {
	if len(evaluations) == 0 {
		return models.EmptySummary(wallet)
	}

	total, high, critical := 0, 0, 0
	for _, e := range evaluations {
		total += e.RiskPoints
		switch e.RiskLevel {
		case models.RiskLevelHigh:
			high++
		case models.RiskLevelCritical:
			critical++
		}
	}

	var level models.RiskLevel
	switch {
	case critical >= criticalEscalation:
		level = models.RiskLevelCritical
	case critical >= 1 || high >= highEscalation:
		level = models.RiskLevelHigh
	case high >= mediumEscalation:
		level = models.RiskLevelMedium
	default:
		level = models.RiskLevelFromPoints(total / len(evaluations))
	}

	return &models.WalletRiskSummary{
		WalletAddress:     wallet,
		TotalApprovals:    len(evaluations),
		TotalRiskScore:    total,
		RiskLevel:         level,
		HighRiskCount:     high,
		CriticalRiskCount: critical,
		Evaluations:       append([]*models.RiskEvaluation(nil), evaluations...),
	}
}
