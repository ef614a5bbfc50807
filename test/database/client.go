// Package database provides shared database helpers for integration tests.
package database

import (
	"testing"

	"github.com/codeready-toolchain/polish/pkg/database"
	"github.com/codeready-toolchain/polish/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	// Use shared test database setup (isolated schema, migrations applied)
	db, connStr := util.SetupTestDatabase(t)

	// Wrap in our client type
	// Note: cleanup (schema drop and connection close) is handled by SetupTestDatabase
	return database.NewClientFromDB(db, connStr)
}
