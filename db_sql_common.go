package kiwibnc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// sqlDialect isolates the handful of things that differ between the
// SQLite and PostgreSQL backends: placeholder syntax and the
// insert-or-replace statement shape (spec §4.1 requires upsert semantics,
// not "insert then fail on conflict").
type sqlDialect interface {
	placeholder(n int) string
	upsertConnectionSQL() string
	createSchemaSQL() []string
}

// sqlStore implements Database and credentialAccessor on top of a
// database/sql handle, shared between the SQLite and PostgreSQL backends.
// This mirrors the teacher's own dual-backend `database.Database`
// abstraction (inferred from server_test.go's createTempSqliteDB /
// createTempPostgresDB helpers): one set of SQL statements, two drivers.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLStore(db *sql.DB, dialect sqlDialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: dialect}
	for _, stmt := range dialect.createSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("kiwibnc: failed to apply schema: %w", err)
		}
	}
	return s, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func (s *sqlStore) SaveConnection(ctx context.Context, row *ConnectionRow) error {
	sasl, err := marshalJSON(row.SASL)
	if err != nil {
		return err
	}
	regLines, err := marshalJSON(row.RegistrationLines)
	if err != nil {
		return err
	}
	isupports, err := marshalJSON(row.ISupports)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(row.Caps)
	if err != nil {
		return err
	}
	buffers, err := marshalJSON(row.Buffers)
	if err != nil {
		return err
	}
	linked, err := marshalJSON(row.LinkedIncomingConIDs)
	if err != nil {
		return err
	}
	temp, err := marshalJSON(row.TempData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.upsertConnectionSQL(),
		row.ConID, int(row.Type), row.NetRegistered, row.Connected, row.ServerPrefix,
		row.Nick, row.Username, row.Realname, row.Account, row.Password,
		row.Host, row.Port, row.TLS, row.TLSVerify, row.BindHost,
		sasl, regLines, isupports, caps, buffers,
		row.ReceivedMotd, row.AuthUserID, row.AuthNetworkID, row.AuthNetworkName, row.AuthAdmin,
		linked, row.Logging, temp,
	)
	return err
}

const selectConnectionColumns = `conid, type, net_registered, connected, server_prefix,
	nick, username, realname, account, password,
	host, port, tls, tls_verify, bind_host,
	sasl, registration_lines, isupports, caps, buffers,
	received_motd, auth_user_id, auth_network_id, auth_network_name, auth_admin,
	linked_incoming_con_ids, logging, temp_data`

func scanConnectionRow(scan func(...interface{}) error) (*ConnectionRow, error) {
	row := &ConnectionRow{}
	var typ int
	var sasl, regLines, isupports, caps, buffers, linked, temp string

	if err := scan(
		&row.ConID, &typ, &row.NetRegistered, &row.Connected, &row.ServerPrefix,
		&row.Nick, &row.Username, &row.Realname, &row.Account, &row.Password,
		&row.Host, &row.Port, &row.TLS, &row.TLSVerify, &row.BindHost,
		&sasl, &regLines, &isupports, &caps, &buffers,
		&row.ReceivedMotd, &row.AuthUserID, &row.AuthNetworkID, &row.AuthNetworkName, &row.AuthAdmin,
		&linked, &row.Logging, &temp,
	); err != nil {
		return nil, err
	}
	row.Type = ConnType(typ)

	if err := unmarshalJSON(sasl, &row.SASL); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(regLines, &row.RegistrationLines); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(isupports, &row.ISupports); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(caps, &row.Caps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(buffers, &row.Buffers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(linked, &row.LinkedIncomingConIDs); err != nil {
		return nil, err
	}
	if row.TempData == nil {
		row.TempData = make(map[string]interface{})
	}
	if err := unmarshalJSON(temp, &row.TempData); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *sqlStore) LoadConnection(ctx context.Context, conID string) (*ConnectionRow, error) {
	query := fmt.Sprintf("SELECT %s FROM connections WHERE conid = %s", selectConnectionColumns, s.dialect.placeholder(1))
	r := s.db.QueryRowContext(ctx, query, conID)
	row, err := scanConnectionRow(r.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *sqlStore) DeleteConnection(ctx context.Context, conID string) error {
	query := fmt.Sprintf("DELETE FROM connections WHERE conid = %s", s.dialect.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, conID)
	return err
}

func (s *sqlStore) ListConnections(ctx context.Context) ([]*ConnectionRow, error) {
	query := fmt.Sprintf("SELECT %s FROM connections", selectConnectionColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConnectionRow
	for rows.Next() {
		row, err := scanConnectionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqlStore) userByUsername(ctx context.Context, username string) (*User, error) {
	query := fmt.Sprintf("SELECT id, username, password, admin, bind_host FROM users WHERE username = %s", s.dialect.placeholder(1))
	u := &User{}
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.Admin, &u.BindHost)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchUser
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *sqlStore) userByID(ctx context.Context, id int64) (*User, error) {
	query := fmt.Sprintf("SELECT id, username, password, admin, bind_host FROM users WHERE id = %s", s.dialect.placeholder(1))
	u := &User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Password, &u.Admin, &u.BindHost)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

const selectNetworkColumns = `id, user_id, name, host, port, tls, tls_verify, bind_host,
	nick, username, realname, password, sasl_account, sasl_password`

func scanNetwork(scan func(...interface{}) error) (*Network, error) {
	n := &Network{}
	if err := scan(&n.ID, &n.UserID, &n.Name, &n.Host, &n.Port, &n.TLS, &n.TLSVerify, &n.BindHost,
		&n.Nick, &n.Username, &n.Realname, &n.Password, &n.SASLAccount, &n.SASLPassword); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *sqlStore) networkByID(ctx context.Context, id int64) (*Network, error) {
	query := fmt.Sprintf("SELECT %s FROM networks WHERE id = %s", selectNetworkColumns, s.dialect.placeholder(1))
	r := s.db.QueryRowContext(ctx, query, id)
	n, err := scanNetwork(r.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *sqlStore) networkByName(ctx context.Context, userID int64, name string) (*Network, error) {
	query := fmt.Sprintf("SELECT %s FROM networks WHERE user_id = %s AND name = %s",
		selectNetworkColumns, s.dialect.placeholder(1), s.dialect.placeholder(2))
	r := s.db.QueryRowContext(ctx, query, userID, name)
	n, err := scanNetwork(r.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchNetwork
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *sqlStore) networksByUser(ctx context.Context, userID int64) ([]*Network, error) {
	query := fmt.Sprintf("SELECT %s FROM networks WHERE user_id = %s", selectNetworkColumns, s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Network
	for rows.Next() {
		n, err := scanNetwork(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CreateUser inserts a new user row; used by cmd/kiwibncctl.
func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	query := fmt.Sprintf("INSERT INTO users (username, password, admin, bind_host) VALUES (%s, %s, %s, %s)",
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4))
	_, err := s.db.ExecContext(ctx, query, u.Username, u.Password, u.Admin, u.BindHost)
	return err
}

// CreateNetwork inserts a new network row owned by userID; used by
// cmd/kiwibncctl and by BOUNCER CONNECT when auto-creating a network
// record is desired by an administrative tool (the BNC verb handler
// itself never creates networks, only connects to existing ones, per
// spec §4.4).
func (s *sqlStore) CreateNetwork(ctx context.Context, n *Network) error {
	query := fmt.Sprintf(`INSERT INTO networks
		(user_id, name, host, port, tls, tls_verify, bind_host, nick, username, realname, password, sasl_account, sasl_password)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4),
		s.dialect.placeholder(5), s.dialect.placeholder(6), s.dialect.placeholder(7), s.dialect.placeholder(8),
		s.dialect.placeholder(9), s.dialect.placeholder(10), s.dialect.placeholder(11), s.dialect.placeholder(12),
		s.dialect.placeholder(13))
	_, err := s.db.ExecContext(ctx, query, n.UserID, n.Name, n.Host, n.Port, n.TLS, n.TLSVerify, n.BindHost,
		n.Nick, n.Username, n.Realname, n.Password, n.SASLAccount, n.SASLPassword)
	return err
}
