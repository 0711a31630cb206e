package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	scanerrors "approvalscan/internal/errors"
	"approvalscan/internal/indexer"
	"approvalscan/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// RPCLogSource 直接通过节点eth_getLogs按区块分段查询日志
type RPCLogSource struct {
	caller Caller
	chunk  uint64
	logger *logrus.Logger
}

// NewRPCLogSource 创建节点日志来源
func NewRPCLogSource(caller Caller, chunk uint64, logger *logrus.Logger) *RPCLogSource {
	if chunk == 0 {
		chunk = 50000
	}
	return &RPCLogSource{caller: caller, chunk: chunk, logger: logger}
}

// GetLogs 从FromBlock到ToBlock逐段拉取日志
func (s *RPCLogSource) GetLogs(ctx context.Context, q indexer.LogQuery) ([]*models.EventLog, error) {
	latest, err := s.resolveToBlock(ctx, q.ToBlock)
	if err != nil {
		return nil, s.wrap("获取最新区块失败", err)
	}

	topics := [][]common.Hash{{common.HexToHash(q.Topic0)}}
	if q.Topic1 != "" {
		topics = append(topics, []common.Hash{common.HexToHash(q.Topic1)})
	}

	var out []*models.EventLog
	for from := q.FromBlock; from <= latest; from += s.chunk {
		to := from + s.chunk - 1
		if to > latest {
			to = latest
		}

		filter := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    topics,
		}

		var logs []types.Log
		err := s.caller.Do(ctx, func(ctx context.Context, client *ethclient.Client) error {
			var err error
			logs, err = client.FilterLogs(ctx, filter)
			return err
		})
		if err != nil {
			return nil, s.wrap(fmt.Sprintf("查询区块 %d-%d 日志失败", from, to), err)
		}

		for i := range logs {
			event := &models.EventLog{}
			event.FromEthereumLog(&logs[i])
			out = append(out, event)
		}
		s.logger.Debugf("区块 %d-%d 查询到 %d 条日志", from, to, len(logs))

		if to == latest {
			break
		}
	}
	return out, nil
}

func (s *RPCLogSource) resolveToBlock(ctx context.Context, toBlock string) (uint64, error) {
	if toBlock != "" && toBlock != "latest" {
		return strconv.ParseUint(toBlock, 10, 64)
	}

	var latest uint64
	err := s.caller.Do(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		latest, err = client.BlockNumber(ctx)
		return err
	})
	return latest, err
}

func (s *RPCLogSource) wrap(message string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return scanerrors.NewDiscoveryError(message, err).WithComponent("rpc_logs")
}
