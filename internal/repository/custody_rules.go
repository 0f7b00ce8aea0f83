package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// CustodyRuleRepository 监管流转规则仓库
// 规则在启动时一次性读入内存策略表，运行期不回表
type CustodyRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCustodyRuleRepository 创建监管流转规则仓库
func NewCustodyRuleRepository(db *sql.DB, logger *zap.Logger) *CustodyRuleRepository {
	return &CustodyRuleRepository{
		db:     db,
		logger: logger,
	}
}

// ListAll 返回全部流转规则
func (r *CustodyRuleRepository) ListAll(ctx context.Context) ([]models.CustodyRule, error) {
	query := `
		SELECT id, from_role, to_role
		FROM custody_rules
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query custody rules: %w", err)
	}
	defer rows.Close()

	rules := []models.CustodyRule{}
	for rows.Next() {
		var rule models.CustodyRule
		err := rows.Scan(&rule.ID, &rule.FromRole, &rule.ToRole)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custody rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate custody rules: %w", err)
	}

	return rules, nil
}
