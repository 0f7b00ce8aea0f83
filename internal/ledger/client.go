package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Call 一次合约调用
type Call struct {
	Contract string
	Function string
	Args     []interface{}
	// IdempotencyKey 去重令牌；网关凭此保证重复提交只产生一次链上副作用
	IdempotencyKey string
}

// RawEvent 网关回流的合约事件
type RawEvent struct {
	TxHash      string                 `json:"tx_hash"`
	BlockNumber int64                  `json:"block_number"`
	Contract    string                 `json:"contract"`
	Event       string                 `json:"event"`
	Args        map[string]interface{} `json:"args"`
}

// txRequest 网关交易请求体
type txRequest struct {
	Address    string        `json:"address"`
	Args       []interface{} `json:"args"`
	SigningKey string        `json:"signing_key"`
}

// txResponse 网关交易响应体
type txResponse struct {
	TxHash string          `json:"tx_hash"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// eventsResponse 网关事件查询响应体
type eventsResponse struct {
	Events     []RawEvent `json:"events"`
	NextCursor string     `json:"next_cursor"`
}

// Client 账本网关客户端
// 网关把合约执行封装为同步 HTTP API；本客户端只负责传输与错误分类
type Client struct {
	httpClient *resty.Client
	registry   *Registry
	signingKey string
	logger     *zap.Logger
}

// NewClient 创建账本网关客户端
func NewClient(gatewayURL, signingKey string, timeout time.Duration, registry *Registry, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(gatewayURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: httpClient,
		registry:   registry,
		signingKey: signingKey,
		logger:     logger,
	}
}

// Send 提交一次合约调用，返回交易哈希
// 返回错误必属 ErrLedgerUnavailable / ErrLedgerRejected / ErrLedgerTimeout /
// ErrContractNotFound 四类之一（可能带包装）
func (c *Client) Send(ctx context.Context, call Call) (string, error) {
	contract, err := c.registry.Get(call.Contract)
	if err != nil {
		return "", err
	}

	var result txResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", call.IdempotencyKey).
		SetBody(txRequest{
			Address:    contract.Address,
			Args:       call.Args,
			SigningKey: c.signingKey,
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/contracts/%s/%s", call.Contract, call.Function))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	switch {
	case resp.StatusCode() >= 500:
		return "", fmt.Errorf("%w: gateway returned %d", ErrLedgerUnavailable, resp.StatusCode())
	case resp.StatusCode() >= 400:
		return "", fmt.Errorf("%w: %s (status %d)", ErrLedgerRejected, result.Error, resp.StatusCode())
	case result.TxHash == "":
		return "", fmt.Errorf("%w: gateway returned no tx hash", ErrLedgerRejected)
	}

	c.logger.Debug("Ledger call succeeded",
		zap.String("contract", call.Contract),
		zap.String("function", call.Function),
		zap.String("tx_hash", result.TxHash),
	)

	return result.TxHash, nil
}

// SendWithResult 提交合约调用并返回附加结果（如 createTransit 返回的运输单号）
func (c *Client) SendWithResult(ctx context.Context, call Call) (string, json.RawMessage, error) {
	contract, err := c.registry.Get(call.Contract)
	if err != nil {
		return "", nil, err
	}

	var result txResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", call.IdempotencyKey).
		SetBody(txRequest{
			Address:    contract.Address,
			Args:       call.Args,
			SigningKey: c.signingKey,
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/contracts/%s/%s", call.Contract, call.Function))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return "", nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	switch {
	case resp.StatusCode() >= 500:
		return "", nil, fmt.Errorf("%w: gateway returned %d", ErrLedgerUnavailable, resp.StatusCode())
	case resp.StatusCode() >= 400:
		return "", nil, fmt.Errorf("%w: %s (status %d)", ErrLedgerRejected, result.Error, resp.StatusCode())
	case result.TxHash == "":
		return "", nil, fmt.Errorf("%w: gateway returned no tx hash", ErrLedgerRejected)
	}

	return result.TxHash, result.Result, nil
}

// FetchEvents 拉取 cursor 之后的合约事件
func (c *Client) FetchEvents(ctx context.Context, cursor string, limit int) ([]RawEvent, string, error) {
	var result eventsResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("cursor", cursor).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&result).
		Get("/events")

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if resp.StatusCode() >= 400 {
		return nil, "", fmt.Errorf("%w: gateway returned %d", ErrLedgerUnavailable, resp.StatusCode())
	}

	next := result.NextCursor
	if next == "" {
		next = cursor
	}
	return result.Events, next, nil
}
