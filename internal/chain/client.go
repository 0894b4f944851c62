// Package chain 封装对区块链 RPC 节点的访问与支付核实逻辑。
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRPCTimeout = 15 * time.Second

// ErrTransactionNotFound 表示节点尚未见到该签名对应的交易。
var ErrTransactionNotFound = errors.New("交易不存在")

// Transaction 是 getTransaction 返回结果中本系统关心的部分。
// 余额增量分析只需要账户列表与前后余额。
type Transaction struct {
	Meta struct {
		Err          any     `json:"err"`
		PreBalances  []int64 `json:"preBalances"`
		PostBalances []int64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// Client 通过 JSON-RPC 访问区块链节点。
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// ClientConfig 描述 RPC 客户端的连接参数。
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient 根据配置创建 RPC 客户端。
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("未提供 RPC 地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("序列化 RPC 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建 RPC 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求 RPC 节点失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("RPC 节点返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("解析 RPC 响应失败: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("RPC 错误 %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return ErrTransactionNotFound
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("解析 RPC 结果失败: %w", err)
	}
	return nil
}

// GetTransaction 按签名查询交易。节点尚未确认该交易时返回
// ErrTransactionNotFound。
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var tx Transaction
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "json",
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := c.call(ctx, "getTransaction", params, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetBalance 查询地址余额，单位为链的展示单位。
func (c *Client) GetBalance(ctx context.Context, address string) (float64, error) {
	var result struct {
		Value int64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{address}, &result); err != nil {
		return 0, err
	}
	return float64(result.Value) / LamportsPerUnit, nil
}

// GetLatestBlockhash 返回最近的区块哈希，用于构造待签名交易。
func (c *Client) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{}, &result); err != nil {
		return "", err
	}
	if result.Value.Blockhash == "" {
		return "", errors.New("节点未返回区块哈希")
	}
	return result.Value.Blockhash, nil
}
