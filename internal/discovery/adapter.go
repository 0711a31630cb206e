package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"approvalscan/internal/decoder"
	apperrors "approvalscan/internal/errors"
	"approvalscan/internal/indexer"
	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LogSource 事件日志来源
type LogSource interface {
	GetLogs(ctx context.Context, q indexer.LogQuery) ([]*models.EventLog, error)
}

// StateReader 读取合约当前授权状态
type StateReader interface {
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, contract, owner, operator string) (bool, error)
}

// FungibleApproval 已确认的ERC20授权
type FungibleApproval struct {
	TokenAddress    string
	SpenderAddress  string
	Amount          *big.Int
	BlockNumber     uint64
	TransactionHash string
}

// OperatorApproval 已确认的NFT全量授权
type OperatorApproval struct {
	ContractAddress string
	OperatorAddress string
	Approved        bool
	BlockNumber     uint64
	TransactionHash string
}

// Result 一次发现的结果
type Result struct {
	Fungible      []*FungibleApproval
	NonFungible   []*OperatorApproval
	Candidates    int // 去重后的候选对数量
	FailedQueries int // 失败并按空结果处理的日志查询
	DroppedPairs  int // 确认阶段失败被丢弃的候选对
}

// Total 确认有效的授权总数
func (r *Result) Total() int {
	return len(r.Fungible) + len(r.NonFungible)
}

// Options 发现参数
type Options struct {
	Workers   int
	FromBlock uint64
}

// Adapter 先从日志发现候选授权，再用链上状态确认
type Adapter struct {
	logs    LogSource
	state   StateReader
	decoder *decoder.EventDecoder
	opts    Options
	logger  *logrus.Logger
	errors  *apperrors.ErrorHandler
}

// NewAdapter 创建发现适配器
func NewAdapter(logs LogSource, state StateReader, opts Options, logger *logrus.Logger) *Adapter {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Adapter{
		logs:    logs,
		state:   state,
		decoder: decoder.NewEventDecoder(logger),
		opts:    opts,
		logger:  logger,
	}
}

// WithErrors 确认阶段丢弃的候选对同时上报到错误处理器
func (a *Adapter) WithErrors(handler *apperrors.ErrorHandler) *Adapter {
	a.errors = handler
	return a
}

// Discover 发现钱包当前有效的授权
func (a *Adapter) Discover(ctx context.Context, wallet string, chainID int64) (*Result, error) {
	start := time.Now()
	result := &Result{}

	fungible, err := a.candidates(ctx, decoder.EventApproval, wallet, chainID, result)
	if err != nil {
		return nil, err
	}
	operators, err := a.candidates(ctx, decoder.EventApprovalForAll, wallet, chainID, result)
	if err != nil {
		return nil, err
	}
	result.Candidates = len(fungible) + len(operators)

	if err := a.confirm(ctx, wallet, fungible, operators, result); err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"wallet":         wallet,
		"candidates":     result.Candidates,
		"erc20":          len(result.Fungible),
		"nft":            len(result.NonFungible),
		"failed_queries": result.FailedQueries,
		"dropped_pairs":  result.DroppedPairs,
		"elapsed":        time.Since(start).String(),
	}).Info("授权发现完成")

	return result, nil
}

// candidates 拉取一类事件并去重
func (a *Adapter) candidates(ctx context.Context, kind decoder.EventKind, wallet string, chainID int64, result *Result) ([]*decoder.Candidate, error) {
	logs, err := a.logs.GetLogs(ctx, indexer.LogQuery{
		ChainID:   chainID,
		Topic0:    kind.Topic().Hex(),
		Topic1:    decoder.OwnerTopic(wallet),
		FromBlock: a.opts.FromBlock,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 单个子查询失败按无记录处理
		a.logger.Warnf("查询 %s 事件失败，按无记录处理: %v", kind, err)
		result.FailedQueries++
		return nil, nil
	}

	return Dedup(a.decoder.DecodeAll(kind, logs)), nil
}

// Dedup 按(合约, 对手方)去重，保留最早区块，区块相同时保留先出现的记录
func Dedup(candidates []*decoder.Candidate) []*decoder.Candidate {
	index := make(map[string]int, len(candidates))
	out := make([]*decoder.Candidate, 0, len(candidates))

	for _, c := range candidates {
		key := c.Key()
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			copied := *c
			out = append(out, &copied)
			continue
		}
		if c.BlockNumber < out[i].BlockNumber {
			out[i].BlockNumber = c.BlockNumber
			out[i].TransactionHash = c.TransactionHash
		}
	}
	return out
}

// confirm 并发读取链上状态，只保留仍然有效的授权
func (a *Adapter) confirm(ctx context.Context, wallet string, fungible, operators []*decoder.Candidate, result *Result) error {
	allowances := make([]*FungibleApproval, len(fungible))
	approvals := make([]*OperatorApproval, len(operators))
	var dropped int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)

	for i, c := range fungible {
		i, c := i, c
		g.Go(func() error {
			amount, err := a.state.Allowance(gctx, c.Contract, wallet, c.Counterparty)
			if err != nil {
				atomic.AddInt64(&dropped, 1)
				a.drop(gctx, wallet, fmt.Sprintf("读取授权额度失败 token=%s spender=%s", c.Contract, c.Counterparty), err)
				return nil
			}
			if amount == nil || amount.Sign() <= 0 {
				return nil
			}
			allowances[i] = &FungibleApproval{
				TokenAddress:    c.Contract,
				SpenderAddress:  c.Counterparty,
				Amount:          amount,
				BlockNumber:     c.BlockNumber,
				TransactionHash: c.TransactionHash,
			}
			return nil
		})
	}

	for i, c := range operators {
		i, c := i, c
		g.Go(func() error {
			approved, err := a.state.IsApprovedForAll(gctx, c.Contract, wallet, c.Counterparty)
			if err != nil {
				atomic.AddInt64(&dropped, 1)
				a.drop(gctx, wallet, fmt.Sprintf("读取NFT授权状态失败 contract=%s operator=%s", c.Contract, c.Counterparty), err)
				return nil
			}
			if !approved {
				return nil
			}
			approvals[i] = &OperatorApproval{
				ContractAddress: c.Contract,
				OperatorAddress: c.Counterparty,
				Approved:        true,
				BlockNumber:     c.BlockNumber,
				TransactionHash: c.TransactionHash,
			}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, item := range allowances {
		if item != nil {
			result.Fungible = append(result.Fungible, item)
		}
	}
	for _, item := range approvals {
		if item != nil {
			result.NonFungible = append(result.NonFungible, item)
		}
	}
	result.DroppedPairs = int(atomic.LoadInt64(&dropped))
	return nil
}

// drop 记录被丢弃的候选对，扫描已取消时不计入错误统计
func (a *Adapter) drop(ctx context.Context, wallet, message string, err error) {
	if a.errors == nil || ctx.Err() != nil {
		a.logger.Warnf("%s: %v", message, err)
		return
	}
	var scanErr *apperrors.ScanError
	if !stderrors.As(err, &scanErr) {
		scanErr = apperrors.NewRPCError(message, err)
	}
	scanErr.WithComponent("discovery")
	scanErr.Wallet = wallet
	_ = a.errors.HandleError(ctx, scanErr)
}
