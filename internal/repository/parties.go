package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// PartyRepository 参与方仓库
type PartyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPartyRepository 创建参与方仓库
func NewPartyRepository(db *sql.DB, logger *zap.Logger) *PartyRepository {
	return &PartyRepository{
		db:     db,
		logger: logger,
	}
}

// GetParty 按 ID 获取参与方；不存在时返回 (nil, nil)
func (r *PartyRepository) GetParty(ctx context.Context, partyID string) (*models.Party, error) {
	if partyID == "" {
		return nil, fmt.Errorf("party_id is required")
	}

	query := `
		SELECT id, name, role, wallet_address
		FROM parties
		WHERE id = $1
	`

	var party models.Party
	err := r.db.QueryRowContext(ctx, query, partyID).Scan(
		&party.ID,
		&party.Name,
		&party.Role,
		&party.WalletAddress,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get party: %w", err)
	}

	return &party, nil
}

// ListByRole 按角色列出参与方
func (r *PartyRepository) ListByRole(ctx context.Context, role string) ([]*models.Party, error) {
	if role == "" {
		return nil, fmt.Errorf("role is required")
	}

	query := `
		SELECT id, name, role, wallet_address
		FROM parties
		WHERE role = $1
		ORDER BY name ASC
	`

	rows, err := r.db.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer rows.Close()

	parties := []*models.Party{}
	for rows.Next() {
		var party models.Party
		err := rows.Scan(&party.ID, &party.Name, &party.Role, &party.WalletAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, &party)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate parties: %w", err)
	}

	return parties, nil
}
