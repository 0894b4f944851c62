// Package httpbridge 通过 HTTP 调用外部推理服务。
package httpbridge

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

	"github.com/elevenyellow/pardon-simulator/internal/reasoning"
)

const defaultTimeout = 90 * time.Second

// Config 描述推理服务的连接参数。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 将路由产出的指令交给推理服务执行。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建推理客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供推理服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Invoke 执行一次推理调用。
func (c *Client) Invoke(ctx context.Context, req reasoning.Request) (*reasoning.Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化推理请求失败: %w", err)
	}

	endpoint := c.baseURL + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建推理请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求推理服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("推理服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result reasoning.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析推理响应失败: %w", err)
	}
	return &result, nil
}

// Close 实现 reasoning.Client 接口，HTTP 客户端无需清理。
func (c *Client) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ reasoning.Client = (*Client)(nil)
