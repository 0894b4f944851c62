// Package marker 提供从自由文本中提取协议标记的纯函数。
// 提取永远不会失败，结果以可选值形式返回；调用方负责在后续处理前
// 把匹配到的标记文本从消息里剥离，避免下游推理看到协议内容。
package marker

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// LegacyServiceType 是旧版完成标记缺省的服务类型。
const LegacyServiceType = "unknown"

// LegacyAmount 是旧版完成标记缺省的金额。旧格式只携带签名，
// 金额信息丢失，这里保留与历史消息兼容的最低价。
const LegacyAmount = 0.0005

var (
	walletPattern     = regexp.MustCompile(`\[USER_WALLET:([1-9A-HJ-NP-Za-km-z]{32,44})\]`)
	completionPattern = regexp.MustCompile(`\[PREMIUM_SERVICE_PAYMENT_COMPLETED:\s*([A-Za-z0-9]{87,88})\|(\w+)\|([\d.]+)(?:\|([^\]]+))?\]`)
	legacyPattern     = regexp.MustCompile(`\[PREMIUM_SERVICE_PAYMENT_COMPLETED:\s*([A-Za-z0-9]{87,88})\]`)
	requestPattern    = regexp.MustCompile(`(?s)<x402_payment_request>\s*(\{.*?\})\s*</x402_payment_request>`)
)

// Wallet 表示消息中携带的用户钱包身份标记。
type Wallet struct {
	Address string
	// Raw 是完整匹配到的标记文本，供剥离使用。
	Raw string
}

// Completion 表示支付完成标记。
type Completion struct {
	Signature   string
	ServiceType string
	Amount      float64
	PaymentID   string
	// Legacy 表示匹配到的是仅含签名的旧格式。
	Legacy bool
	Raw    string
}

// PaymentRequest 表示消息内嵌的支付请求 JSON 块。
type PaymentRequest struct {
	PaymentID string  `json:"payment_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Raw       string  `json:"-"`
}

// ExtractWallet 提取至多一个钱包身份标记。地址必须是合法的
// base58 编码，否则视为未匹配。
func ExtractWallet(text string) (Wallet, bool) {
	match := walletPattern.FindStringSubmatch(text)
	if match == nil {
		return Wallet{}, false
	}
	address := match[1]
	if _, err := base58.Decode(address); err != nil {
		return Wallet{}, false
	}
	return Wallet{Address: address, Raw: match[0]}, true
}

// ExtractCompletion 提取至多一个支付完成标记。优先匹配携带
// 服务类型与金额的增强格式，回退到仅含签名的旧格式。
func ExtractCompletion(text string) (Completion, bool) {
	if match := completionPattern.FindStringSubmatch(text); match != nil {
		amount, err := strconv.ParseFloat(match[3], 64)
		if err == nil {
			return Completion{
				Signature:   match[1],
				ServiceType: match[2],
				Amount:      amount,
				PaymentID:   strings.TrimSpace(match[4]),
				Raw:         match[0],
			}, true
		}
	}
	if match := legacyPattern.FindStringSubmatch(text); match != nil {
		return Completion{
			Signature:   match[1],
			ServiceType: LegacyServiceType,
			Amount:      LegacyAmount,
			Legacy:      true,
			Raw:         match[0],
		}, true
	}
	return Completion{}, false
}

// ExtractPaymentRequest 提取消息内嵌的支付请求块。JSON 必须至少
// 携带 payment_id、from、to、amount 四个字段，否则视为未匹配。
func ExtractPaymentRequest(text string) (PaymentRequest, bool) {
	match := requestPattern.FindStringSubmatch(text)
	if match == nil {
		return PaymentRequest{}, false
	}
	var req PaymentRequest
	if err := json.Unmarshal([]byte(match[1]), &req); err != nil {
		return PaymentRequest{}, false
	}
	if req.PaymentID == "" || req.From == "" || req.To == "" || req.Amount <= 0 {
		return PaymentRequest{}, false
	}
	req.Raw = match[0]
	return req, true
}

// Strip 从文本中移除全部协议标记并压缩多余空白。
func Strip(text string) string {
	text = walletPattern.ReplaceAllString(text, "")
	text = completionPattern.ReplaceAllString(text, "")
	text = legacyPattern.ReplaceAllString(text, "")
	text = requestPattern.ReplaceAllString(text, "")
	return normalizeSpace(text)
}

func normalizeSpace(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
