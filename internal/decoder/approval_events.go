package decoder

import (
	"fmt"
	"math/big"
	"strings"

	"approvalscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// 授权事件签名
const (
	ApprovalSignature       = "Approval(address,address,uint256)"
	ApprovalForAllSignature = "ApprovalForAll(address,address,bool)"
)

var (
	// ApprovalTopic 0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925
	ApprovalTopic = crypto.Keccak256Hash([]byte(ApprovalSignature))
	// ApprovalForAllTopic 0x17307eab39ab6107e8899845ad3d59bd9653f200f220920489ca2b5937696c31
	ApprovalForAllTopic = crypto.Keccak256Hash([]byte(ApprovalForAllSignature))
)

// EventKind 授权事件类别
type EventKind int

const (
	EventApproval EventKind = iota
	EventApprovalForAll
)

// String 事件名
func (k EventKind) String() string {
	if k == EventApprovalForAll {
		return "ApprovalForAll"
	}
	return "Approval"
}

// Topic 事件对应的topic0
func (k EventKind) Topic() common.Hash {
	if k == EventApprovalForAll {
		return ApprovalForAllTopic
	}
	return ApprovalTopic
}

// Candidate 从事件中提取的候选授权对
type Candidate struct {
	Kind            EventKind
	Contract        string // 代币或NFT合约
	Counterparty    string // spender或operator
	BlockNumber     uint64
	TransactionHash string
	Approved        bool // 仅ApprovalForAll有意义
}

// Key 去重键
func (c *Candidate) Key() string {
	return c.Contract + ":" + c.Counterparty
}

// OwnerTopic 将钱包地址左侧补零为32字节topic
func OwnerTopic(wallet string) string {
	addr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(wallet)), "0x")
	return "0x" + strings.Repeat("0", 64-len(addr)) + addr
}

// TopicToAddress 取topic低20字节作为地址
func TopicToAddress(topic string) (string, error) {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) < 40 {
		return "", fmt.Errorf("topic长度不足: %s", topic)
	}
	addr := "0x" + t[len(t)-40:]
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("topic不是有效地址: %s", topic)
	}
	return addr, nil
}

// EventDecoder 授权事件解码器
type EventDecoder struct {
	logger *logrus.Logger
}

// NewEventDecoder 创建解码器
func NewEventDecoder(logger *logrus.Logger) *EventDecoder {
	return &EventDecoder{logger: logger}
}

// Decode 解码单条日志
func (d *EventDecoder) Decode(kind EventKind, log *models.EventLog) (*Candidate, error) {
	if log == nil {
		return nil, fmt.Errorf("日志为空")
	}
	if log.Removed {
		return nil, fmt.Errorf("日志已被重组移除")
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("%s 事件topic数量不足: %d", kind, len(log.Topics))
	}
	if !strings.EqualFold(log.Topic(0), kind.Topic().Hex()) {
		return nil, fmt.Errorf("topic0不匹配 %s: %s", kind, log.Topic(0))
	}
	// ERC-721 的 Approval 含第4个indexed参数tokenId，属于单个NFT授权
	if kind == EventApproval && len(log.Topics) > 3 {
		return nil, fmt.Errorf("忽略单个NFT授权事件: %s", log.TransactionHash)
	}
	if !common.IsHexAddress(log.Address) {
		return nil, fmt.Errorf("合约地址无效: %s", log.Address)
	}

	counterparty, err := TopicToAddress(log.Topic(2))
	if err != nil {
		return nil, err
	}

	c := &Candidate{
		Kind:            kind,
		Contract:        strings.ToLower(log.Address),
		Counterparty:    counterparty,
		BlockNumber:     log.BlockNumber,
		TransactionHash: strings.ToLower(log.TransactionHash),
	}
	if kind == EventApprovalForAll {
		c.Approved = decodeBool(log.Data)
	}
	return c, nil
}

// DecodeAll 批量解码，无法解码的日志跳过并记录
func (d *EventDecoder) DecodeAll(kind EventKind, logs []*models.EventLog) []*Candidate {
	candidates := make([]*Candidate, 0, len(logs))
	for _, log := range logs {
		c, err := d.Decode(kind, log)
		if err != nil {
			d.logger.Debugf("跳过 %s 日志: %v", kind, err)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// decodeBool ABI编码的bool：任何非零值为true
func decodeBool(data string) bool {
	raw := common.FromHex(data)
	if len(raw) == 0 {
		return false
	}
	return new(big.Int).SetBytes(raw).Sign() != 0
}
