package policy

import (
	"errors"
	"fmt"
	"os"

	"trustchain-custody/internal/models"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoTransition from_role 没有配置任何后继角色
	ErrNoTransition = errors.New("no transition configured for role")
	// ErrAmbiguousTransition from_role 配置了多个后继角色，IoT 隐式流转无法裁决
	ErrAmbiguousTransition = errors.New("ambiguous transition: multiple successor roles configured")
)

// Table 角色流转策略表
// 启动时构建一次，之后只读；每个部署一份静态配置
type Table struct {
	allowed    map[string]map[string]bool
	successors map[string][]string
}

// NewTable 从规则列表构建策略表
func NewTable(rules []models.CustodyRule) *Table {
	t := &Table{
		allowed:    make(map[string]map[string]bool),
		successors: make(map[string][]string),
	}
	for _, rule := range rules {
		if t.allowed[rule.FromRole] == nil {
			t.allowed[rule.FromRole] = make(map[string]bool)
		}
		if !t.allowed[rule.FromRole][rule.ToRole] {
			t.allowed[rule.FromRole][rule.ToRole] = true
			t.successors[rule.FromRole] = append(t.successors[rule.FromRole], rule.ToRole)
		}
	}
	return t
}

// Allowed 判断 (from_role, to_role) 是否为允许的流转
func (t *Table) Allowed(fromRole, toRole string) bool {
	return t.allowed[fromRole][toRole]
}

// Successor 返回 from_role 唯一配置的后继角色（IoT 隐式流转路径）
// 无后继或多个后继均返回错误，由调用方拒绝该流转
func (t *Table) Successor(fromRole string) (string, error) {
	succ := t.successors[fromRole]
	switch len(succ) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoTransition, fromRole)
	case 1:
		return succ[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousTransition, fromRole)
	}
}

// Size 规则条数（用于启动日志）
func (t *Table) Size() int {
	n := 0
	for _, toRoles := range t.allowed {
		n += len(toRoles)
	}
	return n
}

// rulesFile YAML 规则文件结构
type rulesFile struct {
	Rules []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"rules"`
}

// LoadFile 从 YAML 文件加载流转规则（custody_rules 表为空时的部署种子）
func LoadFile(path string) ([]models.CustodyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	var rules []models.CustodyRule
	for _, r := range file.Rules {
		if r.From == "" || r.To == "" {
			return nil, fmt.Errorf("invalid rule in %s: from=%q to=%q", path, r.From, r.To)
		}
		rules = append(rules, models.CustodyRule{FromRole: r.From, ToRole: r.To})
	}
	return rules, nil
}
