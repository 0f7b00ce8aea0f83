package ledger

import "errors"

// 账本写入错误分类
// Unavailable / Timeout 可有限重试；Rejected 为合约侧拒绝，重试无意义
var (
	ErrLedgerUnavailable = errors.New("ledger gateway unavailable")
	ErrLedgerRejected    = errors.New("ledger rejected transaction")
	ErrLedgerTimeout     = errors.New("ledger call timed out")

	// ErrContractNotFound 合约未在注册表中配置
	ErrContractNotFound = errors.New("contract not registered")
)
