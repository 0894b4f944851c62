// Package tools 定义支付确认后交付的高级服务内容。每种服务是一个
// 带类型标签的 Spec，由统一的解释器渲染，避免为每种服务写一个
// 独立实现。
package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/elevenyellow/pardon-simulator/internal/chain"
	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// Kind 区分服务内容的生成方式。
type Kind string

const (
	// KindStatic 返回固定文案。
	KindStatic Kind = "static"
	// KindTemplate 以参数填充模板。
	KindTemplate Kind = "template"
	// KindBalance 查询链上余额并填入模板。
	KindBalance Kind = "balance"
)

// Spec 描述一种高级服务的交付内容。
type Spec struct {
	ServiceType string `yaml:"service_type"`
	Kind        Kind   `yaml:"kind"`
	// Body 对 static 是完整文案；对 template 与 balance 是模板，
	// 占位符形如 {name}。
	Body string `yaml:"body"`
	// BalanceAddress 仅 balance 类型使用，为空时取参数 address。
	BalanceAddress string `yaml:"balance_address,omitempty"`
}

// LoadSpecs 从 YAML 文件加载服务内容规格。
func LoadSpecs(path string) ([]Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取服务内容文件失败: %w", err)
	}

	var doc struct {
		Contents []Spec `yaml:"contents"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析服务内容文件失败: %w", err)
	}
	for _, spec := range doc.Contents {
		if spec.ServiceType == "" {
			return nil, fmt.Errorf("服务内容缺少 service_type")
		}
	}
	return doc.Contents, nil
}

// Renderer 把服务规格渲染为最终交付的文本。
type Renderer struct {
	rpc   *chain.Client
	specs map[string]Spec
}

// NewRenderer 构造渲染器。rpc 可以为 nil，此时 balance 类型不可用。
func NewRenderer(rpc *chain.Client, specs []Spec) *Renderer {
	set := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		if spec.ServiceType == "" {
			continue
		}
		set[spec.ServiceType] = spec
	}
	return &Renderer{rpc: rpc, specs: set}
}

// Render 渲染指定服务的交付内容。
func (r *Renderer) Render(ctx context.Context, serviceType string, params map[string]string) (string, error) {
	spec, ok := r.specs[serviceType]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未定义的服务内容: %s", serviceType))
	}

	switch spec.Kind {
	case KindStatic:
		return spec.Body, nil
	case KindTemplate:
		return fillTemplate(spec.Body, params), nil
	case KindBalance:
		if r.rpc == nil {
			return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链上客户端")
		}
		address := spec.BalanceAddress
		if address == "" {
			address = params["address"]
		}
		if address == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "余额查询缺少地址")
		}
		balance, err := r.rpc.GetBalance(ctx, address)
		if err != nil {
			return "", err
		}
		merged := make(map[string]string, len(params)+2)
		for k, v := range params {
			merged[k] = v
		}
		merged["address"] = address
		merged["balance"] = fmt.Sprintf("%.9f", balance)
		return fillTemplate(spec.Body, merged), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的服务内容类型: %s", spec.Kind))
	}
}

// ServiceTypes 返回已注册的服务类型。
func (r *Renderer) ServiceTypes() []string {
	types := make([]string, 0, len(r.specs))
	for serviceType := range r.specs {
		types = append(types, serviceType)
	}
	return types
}

func fillTemplate(body string, params map[string]string) string {
	if len(params) == 0 {
		return body
	}
	pairs := make([]string, 0, len(params)*2)
	for key, value := range params {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
