package kiwibnc

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) upsertConnectionSQL() string {
	return `INSERT INTO connections (
		conid, type, net_registered, connected, server_prefix,
		nick, username, realname, account, password,
		host, port, tls, tls_verify, bind_host,
		sasl, registration_lines, isupports, caps, buffers,
		received_motd, auth_user_id, auth_network_id, auth_network_name, auth_admin,
		linked_incoming_con_ids, logging, temp_data
	) VALUES ($1,$2,$3,$4,$5, $6,$7,$8,$9,$10, $11,$12,$13,$14,$15, $16,$17,$18,$19,$20, $21,$22,$23,$24,$25, $26,$27,$28)
	ON CONFLICT (conid) DO UPDATE SET
		type=excluded.type, net_registered=excluded.net_registered, connected=excluded.connected,
		server_prefix=excluded.server_prefix, nick=excluded.nick, username=excluded.username,
		realname=excluded.realname, account=excluded.account, password=excluded.password,
		host=excluded.host, port=excluded.port, tls=excluded.tls, tls_verify=excluded.tls_verify,
		bind_host=excluded.bind_host, sasl=excluded.sasl, registration_lines=excluded.registration_lines,
		isupports=excluded.isupports, caps=excluded.caps, buffers=excluded.buffers,
		received_motd=excluded.received_motd, auth_user_id=excluded.auth_user_id,
		auth_network_id=excluded.auth_network_id, auth_network_name=excluded.auth_network_name,
		auth_admin=excluded.auth_admin, linked_incoming_con_ids=excluded.linked_incoming_con_ids,
		logging=excluded.logging, temp_data=excluded.temp_data`
}

func (postgresDialect) createSchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS connections (
			conid TEXT PRIMARY KEY,
			type INTEGER NOT NULL,
			net_registered BOOLEAN NOT NULL DEFAULT FALSE,
			connected BOOLEAN NOT NULL DEFAULT FALSE,
			server_prefix TEXT NOT NULL DEFAULT '',
			nick TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			realname TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			tls BOOLEAN NOT NULL DEFAULT FALSE,
			tls_verify BOOLEAN NOT NULL DEFAULT FALSE,
			bind_host TEXT NOT NULL DEFAULT '',
			sasl TEXT NOT NULL DEFAULT '{}',
			registration_lines TEXT NOT NULL DEFAULT '[]',
			isupports TEXT NOT NULL DEFAULT '[]',
			caps TEXT NOT NULL DEFAULT '[]',
			buffers TEXT NOT NULL DEFAULT '[]',
			received_motd BOOLEAN NOT NULL DEFAULT FALSE,
			auth_user_id BIGINT NOT NULL DEFAULT 0,
			auth_network_id BIGINT NOT NULL DEFAULT 0,
			auth_network_name TEXT NOT NULL DEFAULT '',
			auth_admin BOOLEAN NOT NULL DEFAULT FALSE,
			linked_incoming_con_ids TEXT NOT NULL DEFAULT '[]',
			logging BOOLEAN NOT NULL DEFAULT TRUE,
			temp_data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			admin BOOLEAN NOT NULL DEFAULT FALSE,
			bind_host TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS networks (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 6697,
			tls BOOLEAN NOT NULL DEFAULT TRUE,
			tls_verify BOOLEAN NOT NULL DEFAULT TRUE,
			bind_host TEXT NOT NULL DEFAULT '',
			nick TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			realname TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			sasl_account TEXT NOT NULL DEFAULT '',
			sasl_password TEXT NOT NULL DEFAULT '',
			UNIQUE(user_id, name)
		)`,
	}
}

// OpenPostgresDB opens the PostgreSQL-backed store using source, a
// standard libpq connection string/URL. Provided as an alternative to
// SQLite for deployments that already run a Postgres cluster, matching
// the teacher's own dual sqlite/postgres Database support.
func OpenPostgresDB(source string) (*sqlStore, error) {
	db, err := sql.Open("postgres", source)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, postgresDialect{})
}

// OpenTempPostgresDB opens a PostgreSQL-backed store against an
// already-provisioned scratch database, used by tests (see the
// KIWIBNC_TEST_POSTGRES gating in testing_helpers_test.go).
func OpenTempPostgresDB(source string) (*sqlStore, error) {
	return OpenPostgresDB(source)
}

// PostgresCredentialStore adapts a PostgreSQL-backed store to CredentialStore.
func PostgresCredentialStore(s *sqlStore) CredentialStore {
	return sqlCredentialStore{accessor: s}
}
