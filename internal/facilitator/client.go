// Package facilitator 实现对外部结算服务的客户端协议。结算服务
// 只是链上核实的补充：当它不可达时主流程必须继续依赖直接的
// 链上核实，绝不能因此跳过校验。
package facilitator

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

// 结算服务相关的错误码。
const (
	CodeNotYetFound   xerrors.Code = "FACILITATOR_NOT_YET_FOUND"
	CodeBackendError  xerrors.Code = "FACILITATOR_BACKEND_ERROR"
	CodeRejected      xerrors.Code = "FACILITATOR_REJECTED"
	CodeSubmitTimeout xerrors.Code = "FACILITATOR_TIMEOUT"
)

func init() {
	xerrors.Register(CodeNotYetFound, xerrors.Attributes{
		Message:   "transaction not yet visible to facilitator",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeBackendError, xerrors.Attributes{
		Message:   "facilitator backend error",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:   "facilitator rejected the payment",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	// 超时与拒绝必须可区分：超时可以换一条路径重试，拒绝不行。
	xerrors.Register(CodeSubmitTimeout, xerrors.Attributes{
		Message:   "facilitator request timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// VerifyResult 是结算服务对一笔支付的核实结论。
type VerifyResult struct {
	Verified bool              `json:"verified"`
	Details  map[string]string `json:"details,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// SubmitResult 是一次提交流程的结果。
type SubmitResult struct {
	Signature string `json:"signature"`
	Network   string `json:"network"`
	Payer     string `json:"payer"`
}

// Payload 描述提交给结算服务的支付载荷。
type Payload struct {
	From            string  `json:"from"`
	To              string  `json:"to"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	RecentBlockhash string  `json:"recent_blockhash,omitempty"`
	PaymentID       string  `json:"payment_id,omitempty"`
}

// Signer 对结算服务返回的未签名交易做本地签名。
type Signer interface {
	Sign(ctx context.Context, unsignedTx string) (string, error)
}

// Config 描述结算客户端的连接参数。
type Config struct {
	BaseURL       string
	VerifyTimeout time.Duration
	SubmitTimeout time.Duration
}

// Client 通过 HTTP 与结算服务通信。
type Client struct {
	baseURL       string
	verifyTimeout time.Duration
	submitTimeout time.Duration
	httpClient    *http.Client
}

// NewClient 根据配置创建结算客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供结算服务地址")
	}
	verifyTimeout := cfg.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = 30 * time.Second
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		verifyTimeout: verifyTimeout,
		submitTimeout: submitTimeout,
		httpClient:    &http.Client{},
	}, nil
}

// VerifyTransaction 委托结算服务核实一笔支付。404 表示服务尚未
// 见到该交易，稍后重试；非 200 是后端硬错误；verified=false 携带
// 期望与实际的差异细节。
func (c *Client) VerifyTransaction(ctx context.Context, signature, expectedFrom, expectedTo string, expectedAmount float64, currency string) (*VerifyResult, error) {
	payload, err := json.Marshal(map[string]any{
		"transaction":      signature,
		"expectedFrom":     expectedFrom,
		"expectedTo":       expectedTo,
		"expectedAmount":   expectedAmount,
		"expectedCurrency": currency,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化核实请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/verify-transaction", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, xerrors.New(CodeNotYetFound,
			"结算服务尚未见到该交易",
			xerrors.WithMetadata("signature", signature))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeBackendError,
			fmt.Sprintf("结算服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, xerrors.Wrap(CodeBackendError, err, "解析核实响应失败")
	}
	return &result, nil
}

// SubmitDirect 走后端直接提交流程：结算服务代为签名并提交，
// 成功时立刻返回链上签名。供角色进程作为买方向其他角色付款时
// 使用，日常的收款核实不经过这里。
func (c *Client) SubmitDirect(ctx context.Context, payload Payload) (*SubmitResult, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化提交请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/x402/submit-solana", encoded)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeSubmitResponse(resp)
}

// SubmitWithLocalSign 走两段式提交流程：后端先返回待签名交易，
// 调用方本地签名后回传完成最终提交。适用于私钥不出进程的买方
// 场景，配合自定义 Signer 使用。
func (c *Client) SubmitWithLocalSign(ctx context.Context, payload Payload, signer Signer) (*SubmitResult, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供签名器")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化提交请求失败: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	resp, err := c.post(submitCtx, "/api/x402/submit-transaction", encoded)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeBackendError,
			fmt.Sprintf("结算服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var first struct {
		Success                 bool   `json:"success"`
		RequiresClientSignature bool   `json:"requiresClientSignature"`
		UnsignedTransaction     string `json:"unsignedTransaction"`
		SubmissionID            string `json:"submissionId"`
		Transaction             string `json:"transaction"`
		Network                 string `json:"network"`
		Payer                   string `json:"payer"`
		Error                   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&first); err != nil {
		return nil, xerrors.Wrap(CodeBackendError, err, "解析提交响应失败")
	}

	if !first.RequiresClientSignature {
		if !first.Success {
			return nil, xerrors.New(CodeRejected,
				fmt.Sprintf("结算服务拒绝了支付: %s", first.Error))
		}
		return &SubmitResult{Signature: first.Transaction, Network: first.Network, Payer: first.Payer}, nil
	}

	signed, err := signer.Sign(ctx, first.UnsignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("本地签名失败: %w", err)
	}

	finalPayload, err := json.Marshal(map[string]any{
		"submissionId":      first.SubmissionID,
		"signedTransaction": signed,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化签名回传失败: %w", err)
	}

	finalCtx, cancelFinal := context.WithTimeout(ctx, c.submitTimeout)
	defer cancelFinal()

	finalResp, err := c.put(finalCtx, "/api/x402/submit-transaction", finalPayload)
	if err != nil {
		return nil, err
	}
	defer finalResp.Body.Close()

	return decodeSubmitResponse(finalResp)
}

func decodeSubmitResponse(resp *http.Response) (*SubmitResult, error) {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeBackendError,
			fmt.Sprintf("结算服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var decoded struct {
		Success     bool   `json:"success"`
		Transaction string `json:"transaction"`
		Network     string `json:"network"`
		Payer       string `json:"payer"`
		Error       string `json:"error"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeBackendError, err, "解析提交响应失败")
	}
	if !decoded.Success {
		message := decoded.Error
		if message == "" {
			message = decoded.Reason
		}
		return nil, xerrors.New(CodeRejected, fmt.Sprintf("结算服务拒绝了支付: %s", message))
	}
	return &SubmitResult{
		Signature: decoded.Transaction,
		Network:   decoded.Network,
		Payer:     decoded.Payer,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) put(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建结算请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, xerrors.Wrap(CodeSubmitTimeout, err, "结算服务请求超时")
		}
		return nil, xerrors.Wrap(CodeBackendError, err, "请求结算服务失败")
	}
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}
	return false
}
