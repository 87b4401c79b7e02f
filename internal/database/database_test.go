package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-ledger/internal/config"
)

func TestNewDatabaseMigratesSchema(t *testing.T) {
	db, err := NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, false)
	require.NoError(t, err)

	for _, table := range []string{
		"wallets", "transactions", "idempotency_records", "manual_trades", "bot_trades",
		"profiles", "user_plans", "withdrawals", "notifications",
	} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
	assert.True(t, db.Migrator().HasIndex("transactions", "idx_transactions_history"))
	assert.True(t, db.Migrator().HasIndex("manual_trades", "idx_manual_trades_user_status"))
	assert.True(t, db.Migrator().HasIndex("idempotency_records", "idx_idempotency_records_user_key"))

	// running again is a no-op
	require.NoError(t, Migrate(db))
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, false)
	assert.ErrorContains(t, err, "unsupported database driver")
}
