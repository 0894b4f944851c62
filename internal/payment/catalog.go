package payment

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// DefaultServiceType 是未显式配置目录时兜底提供的服务。
const DefaultServiceType = "insider_info"

// DefaultServiceAmount 是兜底服务的价格。
const DefaultServiceAmount = 0.0005

// ServiceSpec 描述一项可购买的高级服务。
type ServiceSpec struct {
	Description string  `yaml:"description"`
	Amount      float64 `yaml:"amount"`
	Available   bool    `yaml:"available"`
	// Recipient 允许单项服务覆盖默认收款地址。
	Recipient string `yaml:"recipient"`
}

// Catalog 保存高级服务的定价目录。启动时从 YAML 文件加载，
// 运行期只读。
type Catalog struct {
	services map[string]ServiceSpec
}

// LoadCatalog 从 YAML 文件加载定价目录。路径为空时返回仅包含
// 兜底服务的目录。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return defaultCatalog(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取服务目录失败: %w", err)
	}

	var parsed struct {
		Services map[string]ServiceSpec `yaml:"services"`
	}
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("解析服务目录失败: %w", err)
	}
	if len(parsed.Services) == 0 {
		return defaultCatalog(), nil
	}

	for name, spec := range parsed.Services {
		if spec.Amount <= 0 {
			return nil, fmt.Errorf("服务 %s 的价格必须大于零", name)
		}
	}

	return &Catalog{services: parsed.Services}, nil
}

func defaultCatalog() *Catalog {
	return &Catalog{services: map[string]ServiceSpec{
		DefaultServiceType: {
			Description: "insider information",
			Amount:      DefaultServiceAmount,
			Available:   true,
		},
	}}
}

// Lookup 返回指定服务的定价。服务不存在或已下架时返回错误。
func (c *Catalog) Lookup(serviceType string) (ServiceSpec, error) {
	spec, ok := c.services[serviceType]
	if !ok {
		return ServiceSpec{}, xerrors.New(CodeServiceUnknown,
			fmt.Sprintf("未知的服务类型: %s", serviceType))
	}
	if !spec.Available {
		return ServiceSpec{}, xerrors.New(CodeServiceUnknown,
			fmt.Sprintf("服务暂不可用: %s", serviceType))
	}
	return spec, nil
}

// ServiceTypes 返回目录中全部服务类型，按名称排序。
func (c *Catalog) ServiceTypes() []string {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
