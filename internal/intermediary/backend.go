package intermediary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// BackendClient 访问协调状态的后端事实来源。
type BackendClient struct {
	baseURL        string
	checkTimeout   time.Duration
	persistTimeout time.Duration
	httpClient     *http.Client
}

// BackendConfig 描述后端的连接参数。
type BackendConfig struct {
	BaseURL        string
	CheckTimeout   time.Duration
	PersistTimeout time.Duration
}

// NewBackendClient 根据配置创建后端客户端。
func NewBackendClient(cfg BackendConfig) (*BackendClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供协调后端地址")
	}
	checkTimeout := cfg.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Second
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = 3 * time.Second
	}
	return &BackendClient{
		baseURL:        baseURL,
		checkTimeout:   checkTimeout,
		persistTimeout: persistTimeout,
		httpClient:     &http.Client{},
	}, nil
}

func (c *BackendClient) stateURL(agentID, threadID string) string {
	return fmt.Sprintf("%s/intermediary-state/%s/%s",
		c.baseURL, url.PathEscape(agentID), url.PathEscape(threadID))
}

// Fetch 查询指定会话的协调状态。404 是权威的"无状态"结论，
// 返回 (nil, nil)；网络错误返回 error，调用方据此降级。
func (c *BackendClient) Fetch(ctx context.Context, agentID, threadID string) (*State, error) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.stateURL(agentID, threadID), nil)
	if err != nil {
		return nil, fmt.Errorf("构建查询请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "协调后端不可达")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, xerrors.New(xerrors.CodeUnavailable,
			fmt.Sprintf("协调后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "解析协调状态失败")
	}
	return &state, nil
}

// Persist 写入协调状态。
func (c *BackendClient) Persist(ctx context.Context, state *State) error {
	if state == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "state 不能为空")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化协调状态失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.stateURL(state.AgentID, state.ThreadID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建写入请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "协调后端不可达")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.New(xerrors.CodeUnavailable,
			fmt.Sprintf("协调后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

// Delete 删除协调状态。404 视为删除成功。
func (c *BackendClient) Delete(ctx context.Context, agentID, threadID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.stateURL(agentID, threadID), nil)
	if err != nil {
		return fmt.Errorf("构建删除请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "协调后端不可达")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.New(xerrors.CodeUnavailable,
			fmt.Sprintf("协调后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}
