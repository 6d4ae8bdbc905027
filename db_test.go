package kiwibnc

import (
	"context"
	"testing"
)

// testCredentialAuth exercises CreateUser/CreateNetwork plus the
// CredentialStore built on top of them: AuthUser/AuthUserNetwork must
// succeed on the right triple and fail (nil, nil — not an error) on a
// wrong password or an unknown network.
func testCredentialAuth(t *testing.T, db *sqlStore) {
	ctx := context.Background()
	user := createTestUser(t, db)
	network := createTestNetwork(t, db, user, "authtest", "irc.example.org", 6697)

	creds := sqlCredentialStore{accessor: db}

	got, err := creds.AuthUser(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("AuthUser: %v", err)
	}
	if got == nil || got.ID != user.ID {
		t.Fatalf("expected AuthUser to resolve the test user, got %v", got)
	}

	if got, err := creds.AuthUser(ctx, testUsername, "wrong password"); err != nil {
		t.Fatalf("AuthUser with wrong password: %v", err)
	} else if got != nil {
		t.Fatalf("expected a wrong password to fail auth without an error, got %v", got)
	}

	gotNet, err := creds.AuthUserNetwork(ctx, testUsername, testPassword, network.Name)
	if err != nil {
		t.Fatalf("AuthUserNetwork: %v", err)
	}
	if gotNet == nil || gotNet.ID != network.ID {
		t.Fatalf("expected AuthUserNetwork to resolve the test network, got %v", gotNet)
	}

	if gotNet, err := creds.AuthUserNetwork(ctx, testUsername, testPassword, "no-such-network"); err != nil {
		t.Fatalf("AuthUserNetwork with unknown network: %v", err)
	} else if gotNet != nil {
		t.Fatalf("expected an unknown network to fail auth without an error, got %v", gotNet)
	}
}

func TestCredentialAuth(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testCredentialAuth(t, createTempSqliteDB(t))
	})
	t.Run("postgres", func(t *testing.T) {
		testCredentialAuth(t, createTempPostgresDB(t))
	})
}

// testListAndDeleteConnections exercises Database.ListConnections and
// Database.DeleteConnection directly, the raw persistence layer
// Server.Start and the snapshot exporter both depend on.
func testListAndDeleteConnections(t *testing.T, db *sqlStore) {
	ctx := context.Background()

	rows, err := db.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections on empty store: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no connections yet, got %d", len(rows))
	}

	row := &ConnectionRow{ConID: "up-list-1", Type: ConnTypeOutgoing, Connected: true, Host: "irc.example.org", Port: 6697}
	if err := db.SaveConnection(ctx, row); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}

	rows, err = db.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(rows) != 1 || rows[0].ConID != "up-list-1" {
		t.Fatalf("expected exactly the one saved connection, got %v", rows)
	}

	if err := db.DeleteConnection(ctx, "up-list-1"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	got, err := db.LoadConnection(ctx, "up-list-1")
	if err != nil {
		t.Fatalf("LoadConnection after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no row after delete, got %v", got)
	}
}

func TestListAndDeleteConnections(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testListAndDeleteConnections(t, createTempSqliteDB(t))
	})
	t.Run("postgres", func(t *testing.T) {
		testListAndDeleteConnections(t, createTempPostgresDB(t))
	})
}
