// Package scoring 向外部评分服务上报支付事件。上报是尽力而为的，
// 失败只记日志，绝不影响主流程。
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Event 是一次评分上报。
type Event struct {
	AgentID     string  `json:"agent_id"`
	WalletAddr  string  `json:"wallet_address"`
	ServiceType string  `json:"service_type"`
	Amount      float64 `json:"amount"`
	Signature   string  `json:"signature"`
}

// Client 调用评分服务。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建评分客户端。
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供评分服务地址")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Report 异步上报一次支付事件。
func (c *Client) Report(ctx context.Context, event Event) {
	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			logger.L().Warn("序列化评分事件失败", slog.Any("error", err))
			return
		}

		// 与调用方的生命周期解耦，固定超时。
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.httpClient.Timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
			c.baseURL+"/api/scoring/update", bytes.NewReader(payload))
		if err != nil {
			logger.L().Warn("构建评分请求失败", slog.Any("error", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			logger.L().Warn("评分上报失败", slog.Any("error", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			logger.L().Warn("评分服务返回错误状态",
				slog.Int("status", resp.StatusCode),
				slog.String("wallet", event.WalletAddr))
		}
	}()
}
