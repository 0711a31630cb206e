package chains

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// ChainInfo 链的静态信息
type ChainInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	RPCURL      string `json:"rpc_url"`
	ExplorerURL string `json:"explorer_url"`
}

// 支持的链
const (
	EthereumMainnet int64 = 1

	DefaultChainID = EthereumMainnet
)

var supported = map[int64]ChainInfo{
	EthereumMainnet: {
		ID:          EthereumMainnet,
		Name:        "Ethereum Mainnet",
		RPCURL:      "https://eth.llamarpc.com",
		ExplorerURL: "https://etherscan.io",
	},
}

// MaxUint256 2^256 - 1
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// UnlimitedThreshold 不低于最大值90%的授权视为无限授权
var UnlimitedThreshold = new(big.Int).Div(new(big.Int).Mul(MaxUint256, big.NewInt(9)), big.NewInt(10))

// IsUnlimited 判断授权数量是否视为无限
func IsUnlimited(amount *big.Int) bool {
	if amount == nil {
		return false
	}
	return amount.Cmp(UnlimitedThreshold) >= 0
}

// Get 查找链信息
func Get(chainID int64) (ChainInfo, bool) {
	info, ok := supported[chainID]
	return info, ok
}

// IsSupported 是否支持该链
func IsSupported(chainID int64) bool {
	_, ok := supported[chainID]
	return ok
}

// SupportedIDs 按ID升序返回所有支持的链
func SupportedIDs() []int64 {
	ids := make([]int64, 0, len(supported))
	for id := range supported {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Describe 形如 "1 (Ethereum Mainnet)" 的列表
func Describe() string {
	parts := make([]string, 0, len(supported))
	for _, id := range SupportedIDs() {
		parts = append(parts, fmt.Sprintf("%d (%s)", id, supported[id].Name))
	}
	return strings.Join(parts, ", ")
}
