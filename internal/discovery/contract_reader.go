package discovery

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"approvalscan/internal/connection"
	scanerrors "approvalscan/internal/errors"
	"approvalscan/internal/ratelimit"
	"approvalscan/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// 只包含授权查询所需的两个只读方法
const approvalABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

// Caller 在某个节点上执行调用
type Caller interface {
	Do(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error
}

var _ Caller = (*connection.ConnectionPool)(nil)

// ContractReader 通过eth_call读取授权状态
type ContractReader struct {
	caller  Caller
	abi     abi.ABI
	timeout time.Duration
	limiter *ratelimit.Limiter
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewContractReader 创建合约读取器，rps为所有确认调用共享的速率上限
func NewContractReader(caller Caller, timeout time.Duration, rps float64, logger *logrus.Logger) (*ContractReader, error) {
	parsed, err := abi.JSON(strings.NewReader(approvalABI))
	if err != nil {
		return nil, fmt.Errorf("解析授权ABI失败: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ContractReader{
		caller:  caller,
		abi:     parsed,
		timeout: timeout,
		limiter: ratelimit.NewLimiter(rps),
		retrier: retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:  logger,
	}, nil
}

// WithRetrier 替换重试器
func (r *ContractReader) WithRetrier(retrier *retry.Retrier) *ContractReader {
	if retrier != nil {
		r.retrier = retrier
	}
	return r
}

// Allowance 读取ERC20当前授权额度
func (r *ContractReader) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := r.call(ctx, token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance 返回类型异常: %T", out[0])
	}
	return amount, nil
}

// IsApprovedForAll 读取NFT全量授权状态
func (r *ContractReader) IsApprovedForAll(ctx context.Context, contract, owner, operator string) (bool, error) {
	out, err := r.call(ctx, contract, "isApprovedForAll", common.HexToAddress(owner), common.HexToAddress(operator))
	if err != nil {
		return false, err
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isApprovedForAll 返回类型异常: %T", out[0])
	}
	return approved, nil
}

func (r *ContractReader) call(ctx context.Context, contract, method string, args ...interface{}) ([]interface{}, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("合约地址无效: %s", contract)
	}
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("打包 %s 调用失败: %w", method, err)
	}
	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}

	var raw []byte
	op := fmt.Sprintf("%s@%s", method, contract)
	err = r.retrier.Execute(ctx, op, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if err := r.limiter.Wait(callCtx); err != nil {
			return err
		}
		return r.caller.Do(callCtx, func(ctx context.Context, client *ethclient.Client) error {
			var err error
			raw, err = client.CallContract(ctx, msg, nil)
			return err
		})
	})
	if err != nil {
		return nil, scanerrors.NewRPCError(fmt.Sprintf("调用 %s 失败", op), err).
			WithComponent("contract_reader").
			WithContext("contract", contract)
	}

	out, err := r.abi.Unpack(method, raw)
	if err != nil {
		decodeErr := scanerrors.WrapError(err, scanerrors.ErrorTypeRPC, scanerrors.SeverityLow,
			"RPC_DECODE_FAILED", fmt.Sprintf("解码 %s 返回值失败", op))
		decodeErr.Retryable = false
		return nil, decodeErr.WithComponent("contract_reader").WithContext("contract", contract)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 没有返回值", op)
	}
	return out, nil
}
