package kiwibnc

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(n int) string {
	return "?"
}

func (sqliteDialect) upsertConnectionSQL() string {
	return `INSERT INTO connections (
		conid, type, net_registered, connected, server_prefix,
		nick, username, realname, account, password,
		host, port, tls, tls_verify, bind_host,
		sasl, registration_lines, isupports, caps, buffers,
		received_motd, auth_user_id, auth_network_id, auth_network_name, auth_admin,
		linked_incoming_con_ids, logging, temp_data
	) VALUES (?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?)
	ON CONFLICT(conid) DO UPDATE SET
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

func (sqliteDialect) createSchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS connections (
			conid TEXT PRIMARY KEY,
			type INTEGER NOT NULL,
			net_registered INTEGER NOT NULL DEFAULT 0,
			connected INTEGER NOT NULL DEFAULT 0,
			server_prefix TEXT NOT NULL DEFAULT '',
			nick TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			realname TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			tls INTEGER NOT NULL DEFAULT 0,
			tls_verify INTEGER NOT NULL DEFAULT 0,
			bind_host TEXT NOT NULL DEFAULT '',
			sasl TEXT NOT NULL DEFAULT '{}',
			registration_lines TEXT NOT NULL DEFAULT '[]',
			isupports TEXT NOT NULL DEFAULT '[]',
			caps TEXT NOT NULL DEFAULT '[]',
			buffers TEXT NOT NULL DEFAULT '[]',
			received_motd INTEGER NOT NULL DEFAULT 0,
			auth_user_id INTEGER NOT NULL DEFAULT 0,
			auth_network_id INTEGER NOT NULL DEFAULT 0,
			auth_network_name TEXT NOT NULL DEFAULT '',
			auth_admin INTEGER NOT NULL DEFAULT 0,
			linked_incoming_con_ids TEXT NOT NULL DEFAULT '[]',
			logging INTEGER NOT NULL DEFAULT 1,
			temp_data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			admin INTEGER NOT NULL DEFAULT 0,
			bind_host TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS networks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 6697,
			tls INTEGER NOT NULL DEFAULT 1,
			tls_verify INTEGER NOT NULL DEFAULT 1,
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

// OpenSqliteDB opens (and if needed creates) the SQLite-backed store at
// path. This is the default persistence backend, matching the teacher's
// own default (mattn/go-sqlite3 is the teacher's sole non-optional SQL
// driver dependency).
func OpenSqliteDB(path string) (*sqlStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid "database is locked"
	return newSQLStore(db, sqliteDialect{})
}

// OpenTempSqliteDB opens an in-memory SQLite store, used by tests.
func OpenTempSqliteDB() (*sqlStore, error) {
	return OpenSqliteDB(":memory:")
}

// SqliteCredentialStore adapts a SQLite-backed store to CredentialStore.
func SqliteCredentialStore(s *sqlStore) CredentialStore {
	return sqlCredentialStore{accessor: s}
}
