package policy

import (
	"os"
	"path/filepath"
	"testing"

	"trustchain-custody/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() []models.CustodyRule {
	return []models.CustodyRule{
		{FromRole: models.RoleManufacturer, ToRole: models.RoleDistributor},
		{FromRole: models.RoleDistributor, ToRole: models.RolePharmacy},
		{FromRole: models.RolePharmacy, ToRole: models.RolePatient},
	}
}

func TestTable_Allowed(t *testing.T) {
	table := NewTable(testRules())

	assert.True(t, table.Allowed(models.RoleManufacturer, models.RoleDistributor))
	assert.True(t, table.Allowed(models.RoleDistributor, models.RolePharmacy))

	// 未配置的流转一律拒绝
	assert.False(t, table.Allowed(models.RoleManufacturer, models.RolePatient))
	assert.False(t, table.Allowed(models.RolePatient, models.RoleManufacturer))
	assert.False(t, table.Allowed("", models.RoleDistributor))
}

func TestTable_Successor(t *testing.T) {
	table := NewTable(testRules())

	succ, err := table.Successor(models.RoleManufacturer)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDistributor, succ)
}

func TestTable_Successor_NoTransition(t *testing.T) {
	table := NewTable(testRules())

	_, err := table.Successor(models.RolePatient)
	assert.ErrorIs(t, err, ErrNoTransition)
}

func TestTable_Successor_Ambiguous(t *testing.T) {
	rules := append(testRules(), models.CustodyRule{
		FromRole: models.RoleDistributor,
		ToRole:   models.RolePatient,
	})
	table := NewTable(rules)

	// Distributor 配置了两个后继，隐式流转必须显式拒绝
	_, err := table.Successor(models.RoleDistributor)
	assert.ErrorIs(t, err, ErrAmbiguousTransition)

	// 显式路径不受影响
	assert.True(t, table.Allowed(models.RoleDistributor, models.RolePharmacy))
	assert.True(t, table.Allowed(models.RoleDistributor, models.RolePatient))
}

func TestTable_DuplicateRules(t *testing.T) {
	rules := append(testRules(), testRules()...)
	table := NewTable(rules)

	assert.Equal(t, 3, table.Size())

	succ, err := table.Successor(models.RoleManufacturer)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDistributor, succ)
}

func TestLoadFile(t *testing.T) {
	content := `rules:
  - from: Manufacturer
    to: Distributor
  - from: Distributor
    to: Pharmacy
`
	path := filepath.Join(t.TempDir(), "custody_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, models.RoleManufacturer, rules[0].FromRole)
	assert.Equal(t, models.RoleDistributor, rules[0].ToRole)
}

func TestLoadFile_InvalidRule(t *testing.T) {
	content := `rules:
  - from: Manufacturer
    to: ""
`
	path := filepath.Join(t.TempDir(), "custody_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rule")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
