package risk

import (
	"context"
	"fmt"

	apperrors "approvalscan/internal/errors"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// Evaluator 按规则表评估授权，构造后只读，可并发使用
type Evaluator struct {
	rules    []Rule
	snapshot *Snapshot
	logger   *logrus.Logger
	errors   *apperrors.ErrorHandler
}

// NewEvaluator 创建评估器，rules为空时使用默认规则
func NewEvaluator(rules []Rule, snapshot *Snapshot, logger *logrus.Logger) *Evaluator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if snapshot == nil {
		snapshot = NewSnapshot(nil, nil)
	}
	return &Evaluator{
		rules:    append([]Rule(nil), rules...),
		snapshot: snapshot,
		logger:   logger,
	}
}

// WithErrors 规则失败同时上报到错误处理器
func (e *Evaluator) WithErrors(handler *apperrors.ErrorHandler) *Evaluator {
	e.errors = handler
	return e
}

// Rules 规则表副本
func (e *Evaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate 评估单条授权，出错的规则视为不适用
func (e *Evaluator) Evaluate(approval *models.NormalizedApproval) *models.RiskEvaluation {
	points := 0
	reasons := make([]string, 0, len(e.rules))

	for _, rule := range e.rules {
		c, applies, err := e.apply(rule, approval)
		if err != nil {
			e.drop(rule.Name, approval, err)
			continue
		}
		if !applies {
			continue
		}
		points += c.Points
		reasons = append(reasons, c.Reason)
	}

	return models.NewRiskEvaluation(approval, points, reasons)
}

// EvaluateAll 依次评估所有授权
func (e *Evaluator) EvaluateAll(approvals []*models.NormalizedApproval) []*models.RiskEvaluation {
	out := make([]*models.RiskEvaluation, 0, len(approvals))
	for _, a := range approvals {
		if a == nil {
			continue
		}
		out = append(out, e.Evaluate(a))
	}
	return out
}

func (e *Evaluator) drop(rule string, approval *models.NormalizedApproval, err error) {
	if e.errors == nil {
		e.logger.Warnf("规则 %s 评估失败，已跳过: %v", rule, err)
		return
	}
	scanErr := apperrors.NewEvaluationError(fmt.Sprintf("规则 %s 评估失败，已跳过", rule), err).
		WithComponent("evaluator").
		WithContext("rule", rule).
		WithContext("token", approval.TokenAddress)
	scanErr.Wallet = approval.WalletAddress
	_ = e.errors.HandleError(context.Background(), scanErr)
}

func (e *Evaluator) apply(rule Rule, approval *models.NormalizedApproval) (c Contribution, applies bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, applies, err = Contribution{}, false, fmt.Errorf("panic: %v", r)
		}
	}()
	if rule.Check == nil {
		return Contribution{}, false, fmt.Errorf("规则缺少判定函数")
	}
	return rule.Check(approval, e.snapshot)
}
