package models

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventLog 日志索引服务返回的事件日志
type EventLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint     `json:"log_index"`
	Removed         bool     `json:"removed"`
}

// FromEthereumLog 从go-ethereum日志转换，地址与主题统一小写
func (l *EventLog) FromEthereumLog(log *types.Log) {
	if log == nil {
		return
	}

	l.Address = strings.ToLower(log.Address.Hex())
	l.Topics = make([]string, len(log.Topics))
	for i, topic := range log.Topics {
		l.Topics[i] = strings.ToLower(topic.Hex())
	}
	l.Data = hexutil.Encode(log.Data)
	l.BlockNumber = log.BlockNumber
	l.TransactionHash = strings.ToLower(log.TxHash.Hex())
	l.LogIndex = log.Index
	l.Removed = log.Removed
}

// Topic 返回第i个主题，不存在时为空串
func (l *EventLog) Topic(i int) string {
	if i < 0 || i >= len(l.Topics) {
		return ""
	}
	return l.Topics[i]
}
