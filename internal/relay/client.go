package relay

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

// 中继协议相关的错误码。
const (
	CodeRelayWait Code = "RELAY_WAIT_FAILED"
	CodeRelaySend Code = "RELAY_SEND_FAILED"
)

// Code 是 xerrors.Code 的别名，方便调用方引用。
type Code = xerrors.Code

func init() {
	xerrors.Register(CodeRelayWait, xerrors.Attributes{
		Message:   "failed to wait for mentions",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRelaySend, xerrors.Attributes{
		Message:   "failed to send relay message",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Mention 表示中继推送的一条待处理消息。收到后不可修改。
type Mention struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Age 返回消息距当前时刻的时长。
func (m Mention) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// WaitResult 表示一次长轮询的结果。
type WaitResult struct {
	// TimedOut 为 true 表示中继在等待窗口内没有新消息。
	TimedOut bool
	Mentions []Mention
}

// Config 描述中继客户端的连接参数。
type Config struct {
	BaseURL        string
	WaitTimeout    time.Duration
	SendTimeout    time.Duration
	HistoryTimeout time.Duration
}

// Client 通过 HTTP 与消息中继通信。中继本身是黑盒，只暴露
// 等待新消息、发送消息、拉取历史与加入会话四个操作。
type Client struct {
	baseURL        string
	waitTimeout    time.Duration
	sendTimeout    time.Duration
	historyTimeout time.Duration
	httpClient     *http.Client
}

// NewClient 根据配置创建中继客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供中继地址")
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Minute
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	historyTimeout := cfg.HistoryTimeout
	if historyTimeout <= 0 {
		historyTimeout = 2 * time.Second
	}
	return &Client{
		baseURL:        baseURL,
		waitTimeout:    waitTimeout,
		sendTimeout:    sendTimeout,
		historyTimeout: historyTimeout,
		// 长轮询请求自带超时，这里额外留出网络往返的余量。
		httpClient: &http.Client{Timeout: waitTimeout + 30*time.Second},
	}, nil
}

// WaitForMentions 阻塞等待下一批提及消息。中继返回 error_timeout
// 表示等待窗口内无新消息，属于正常情况而非错误。
func (c *Client) WaitForMentions(ctx context.Context) (*WaitResult, error) {
	payload, err := json.Marshal(map[string]any{
		"timeout_ms": c.waitTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化等待请求失败: %w", err)
	}

	endpoint := c.baseURL + "/mentions/wait"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建中继请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeRelayWait, err, "等待中继消息失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeRelayWait,
			fmt.Sprintf("中继返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Result   string    `json:"result"`
		Messages []Mention `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeRelayWait, err, "解析中继响应失败")
	}

	switch decoded.Result {
	case "success":
		return &WaitResult{Mentions: decoded.Messages}, nil
	case "error_timeout":
		return &WaitResult{TimedOut: true}, nil
	default:
		return nil, xerrors.New(CodeRelayWait, fmt.Sprintf("未知的中继结果: %s", decoded.Result))
	}
}

// Send 向指定会话发送一条消息，mentions 指定需要提醒的参与者。
func (c *Client) Send(ctx context.Context, threadID, content string, mentions []string) error {
	if strings.TrimSpace(threadID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "thread_id 不能为空")
	}
	payload, err := json.Marshal(map[string]any{
		"thread_id": threadID,
		"content":   content,
		"mentions":  mentions,
	})
	if err != nil {
		return fmt.Errorf("序列化发送请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	endpoint := c.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建发送请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(CodeRelaySend, err, "发送中继消息失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeRelaySend,
			fmt.Sprintf("中继返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

// AddParticipant 将参与者加入会话，用于为用户牵线第三方角色。
func (c *Client) AddParticipant(ctx context.Context, threadID, participantID string) error {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(participantID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "thread_id 与 participant_id 不能为空")
	}
	payload, err := json.Marshal(map[string]any{
		"participant_id": participantID,
	})
	if err != nil {
		return fmt.Errorf("序列化参与者请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/threads/%s/participants", c.baseURL, url.PathEscape(threadID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建参与者请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(CodeRelaySend, err, "添加会话参与者失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeRelaySend,
			fmt.Sprintf("中继返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

// ThreadHistory 尽力拉取会话最近的消息作为上下文。任何失败都返回
// 空字符串，调用方不应因此中断处理流程。
func (c *Client) ThreadHistory(ctx context.Context, threadID string, limit int) string {
	if strings.TrimSpace(threadID) == "" {
		return ""
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/threads/%s/messages?limit=%d", c.baseURL, url.PathEscape(threadID), limit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var decoded struct {
		Messages []struct {
			SenderID string `json:"sender_id"`
			Content  string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ""
	}

	var builder strings.Builder
	for _, msg := range decoded.Messages {
		builder.WriteString(msg.SenderID)
		builder.WriteString(": ")
		builder.WriteString(msg.Content)
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}
