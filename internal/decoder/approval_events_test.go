package decoder

import (
	"io"
	"testing"

	"approvalscan/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet  = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	token   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	spender = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
)

func newDecoder() *EventDecoder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEventDecoder(logger)
}

func TestTopicHashes(t *testing.T) {
	assert.Equal(t, "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925", ApprovalTopic.Hex())
	assert.Equal(t, "0x17307eab39ab6107e8899845ad3d59bd9653f200f220920489ca2b5937696c31", ApprovalForAllTopic.Hex())
}

func TestOwnerTopic(t *testing.T) {
	topic := OwnerTopic(wallet)
	assert.Len(t, topic, 66)
	assert.Equal(t, "0x000000000000000000000000742d35cc6634c0532925a3b844bc454e4438f44e", topic)
}

func TestTopicToAddress(t *testing.T) {
	addr, err := TopicToAddress("0x0000000000000000000000007A250D5630B4CF539739DF2C5DACB4C659F2488D")
	require.NoError(t, err)
	assert.Equal(t, spender, addr)

	_, err = TopicToAddress("0x1234")
	assert.Error(t, err)
}

func TestDecode_Approval(t *testing.T) {
	log := &models.EventLog{
		Address:         token,
		Topics:          []string{ApprovalTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender)},
		Data:            "0x" + "ff",
		BlockNumber:     17000000,
		TransactionHash: "0xABC",
	}

	c, err := newDecoder().Decode(EventApproval, log)
	require.NoError(t, err)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", c.Contract)
	assert.Equal(t, spender, c.Counterparty)
	assert.Equal(t, uint64(17000000), c.BlockNumber)
	assert.Equal(t, "0xabc", c.TransactionHash)
	assert.Equal(t, c.Contract+":"+spender, c.Key())
}

func TestDecode_ApprovalForAll(t *testing.T) {
	base := func(data string) *models.EventLog {
		return &models.EventLog{
			Address: token,
			Topics:  []string{ApprovalForAllTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender)},
			Data:    data,
		}
	}

	c, err := newDecoder().Decode(EventApprovalForAll, base("0x0000000000000000000000000000000000000000000000000000000000000001"))
	require.NoError(t, err)
	assert.True(t, c.Approved)

	c, err = newDecoder().Decode(EventApprovalForAll, base("0x0000000000000000000000000000000000000000000000000000000000000000"))
	require.NoError(t, err)
	assert.False(t, c.Approved)
}

func TestDecode_Rejects(t *testing.T) {
	d := newDecoder()

	tests := []struct {
		name string
		kind EventKind
		log  *models.EventLog
	}{
		{"空日志", EventApproval, nil},
		{"topic不足", EventApproval, &models.EventLog{Address: token, Topics: []string{ApprovalTopic.Hex()}}},
		{"topic0不匹配", EventApproval, &models.EventLog{Address: token, Topics: []string{ApprovalForAllTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender)}}},
		{"ERC721单个授权", EventApproval, &models.EventLog{Address: token, Topics: []string{ApprovalTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender), OwnerTopic("0x01")}}},
		{"合约地址无效", EventApproval, &models.EventLog{Address: "0xzz", Topics: []string{ApprovalTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender)}}},
		{"已移除", EventApproval, &models.EventLog{Removed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.kind, tt.log)
			assert.Error(t, err)
		})
	}
}

func TestDecodeAll_SkipsBadLogs(t *testing.T) {
	logs := []*models.EventLog{
		{Address: token, Topics: []string{ApprovalTopic.Hex(), OwnerTopic(wallet), OwnerTopic(spender)}},
		{Address: token, Topics: []string{ApprovalTopic.Hex()}},
		nil,
	}

	candidates := newDecoder().DecodeAll(EventApproval, logs)
	assert.Len(t, candidates, 1)
}
