package payment

import (
	"fmt"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// Directory 保存角色到收款地址的映射，以及国库地址。它在启动时
// 构造一次并以句柄传递，运行期只读。
type Directory struct {
	wallets  map[string]string
	treasury string
}

// NewDirectory 创建钱包目录。
func NewDirectory(wallets map[string]string, treasury string) *Directory {
	cloned := make(map[string]string, len(wallets))
	for actor, address := range wallets {
		cloned[actor] = address
	}
	return &Directory{wallets: cloned, treasury: treasury}
}

// AddressOf 返回指定角色的收款地址。
func (d *Directory) AddressOf(actor string) (string, error) {
	address, ok := d.wallets[actor]
	if !ok || address == "" {
		return "", xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("角色 %s 没有配置钱包地址", actor))
	}
	return address, nil
}

// Treasury 返回国库收款地址。
func (d *Directory) Treasury() string {
	return d.treasury
}
