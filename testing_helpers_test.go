package kiwibnc

import (
	"context"
	"os"
	"testing"
)

// testLogger discards everything; tests assert on wire traffic and state,
// not log output.
type testLogger struct{}

func (testLogger) Printf(format string, v ...interface{})  {}
func (testLogger) Debugf(format string, v ...interface{}) {}

// createTempSqliteDB and createTempPostgresDB give every test package the
// same dual-backend entry point the teacher's own server_test.go exposes,
// adapted to this repo's OpenTempSqliteDB/OpenTempPostgresDB signatures.
func createTempSqliteDB(t *testing.T) *sqlStore {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("failed to create temporary SQLite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTempPostgresDB(t *testing.T) *sqlStore {
	source, ok := os.LookupEnv("KIWIBNC_TEST_POSTGRES")
	if !ok {
		t.Skip("set KIWIBNC_TEST_POSTGRES to a connection string to execute PostgreSQL tests")
	}

	db, err := OpenTempPostgresDB(source)
	if err != nil {
		t.Fatalf("failed to create temporary PostgreSQL database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const (
	testUsername = "kiwibnc-test-user"
	testPassword = "kiwibnc-test-pass"
)

// createTestUser inserts testUsername/testPassword and returns its row,
// the same role as the teacher's own createTestUser helper.
func createTestUser(t *testing.T, db *sqlStore) *User {
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("failed to hash test password: %v", err)
	}
	u := &User{Username: testUsername, Password: hash}
	if err := db.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to store test user: %v", err)
	}
	stored, err := db.userByUsername(context.Background(), testUsername)
	if err != nil {
		t.Fatalf("failed to reload test user: %v", err)
	}
	return stored
}

// createTestNetwork inserts a network record owned by user, pointing at
// host/port (a fake upstream listener under the test's control).
func createTestNetwork(t *testing.T, db *sqlStore, user *User, name, host string, port int) *Network {
	n := &Network{
		UserID: user.ID,
		Name:   name,
		Host:   host,
		Port:   port,
		Nick:   user.Username,
	}
	if err := db.CreateNetwork(context.Background(), n); err != nil {
		t.Fatalf("failed to store test network: %v", err)
	}
	stored, err := db.networkByName(context.Background(), user.ID, name)
	if err != nil {
		t.Fatalf("failed to reload test network: %v", err)
	}
	return stored
}

func newTestServer(db *sqlStore) *Server {
	cfg := defaultConfig()
	cfg.Hostname = "kiwibnc-test"
	// sqlCredentialStore only needs the raw row accessors db already
	// implements, regardless of which dialect backs it.
	return NewServer(cfg, db, sqlCredentialStore{accessor: db}, testLogger{})
}
