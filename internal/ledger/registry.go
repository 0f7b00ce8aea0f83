package ledger

import (
	"fmt"
	"sort"
)

// Contract 已部署合约
type Contract struct {
	Name    string
	Address string
}

// Registry 合约注册表
// 启动时从静态配置构建一次，之后只读；未配置地址的合约不加载
type Registry struct {
	contracts map[string]Contract
}

// NewRegistry 从 名称→地址 配置构建注册表
func NewRegistry(addresses map[string]string) *Registry {
	r := &Registry{contracts: make(map[string]Contract)}
	for name, addr := range addresses {
		if addr == "" {
			continue
		}
		r.contracts[name] = Contract{Name: name, Address: addr}
	}
	return r
}

// Get 按名称取合约
func (r *Registry) Get(name string) (Contract, error) {
	contract, ok := r.contracts[name]
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrContractNotFound, name)
	}
	return contract, nil
}

// Names 已加载的合约名（启动日志用）
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
