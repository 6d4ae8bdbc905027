package kiwibnc

import "context"

// ConnectionRow is the flattened, storage-ready form of a ConnectionState,
// matching the `connections` table described in spec §6: one row per
// conid, with complex fields serialized as JSON strings by the Database
// implementation.
type ConnectionRow struct {
	ConID             string
	Type              ConnType
	NetRegistered     bool
	Connected         bool
	ServerPrefix      string
	Nick              string
	Username          string
	Realname          string
	Account           string
	Password          string
	Host              string
	Port              int
	TLS               bool
	TLSVerify         bool
	BindHost          string
	SASL              SaslInfo
	RegistrationLines []string
	ISupports         []string
	Caps              []string
	Buffers           []Buffer
	ReceivedMotd      bool
	AuthUserID        int64
	AuthNetworkID     int64
	AuthNetworkName   string
	AuthAdmin         bool
	LinkedIncomingConIDs []string
	Logging           bool
	TempData          map[string]interface{}
}

// User is a BNC account record, as resolved through CredentialStore.
type User struct {
	ID       int64
	Username string
	Password string // bcrypt hash
	Admin    bool
	BindHost string
}

// Network is a per-user upstream network configuration record.
type Network struct {
	ID          int64
	UserID      int64
	Name        string
	Host        string
	Port        int
	TLS         bool
	TLSVerify   bool
	BindHost    string
	Nick        string
	Username    string
	Realname    string
	Password    string
	SASLAccount string
	SASLPassword string
}

// Database is the persistence backend ConnectionState depends on. Two
// implementations are provided (SQLite, PostgreSQL); both also back a
// CredentialStore (via SqliteCredentialStore/PostgresCredentialStore),
// since in this BNC the user/network table and the
// connection table live in the same store (spec §6 scopes only the
// connection table's schema; the credential store's schema is out of
// scope and thus free to live alongside it).
type Database interface {
	LoadConnection(ctx context.Context, conID string) (*ConnectionRow, error)
	SaveConnection(ctx context.Context, row *ConnectionRow) error
	DeleteConnection(ctx context.Context, conID string) error

	// ListConnections returns every persisted connection row, used at
	// startup to resurrect upstreams that were alive before a restart and
	// by the BARE snapshot exporter.
	ListConnections(ctx context.Context) ([]*ConnectionRow, error)

	Close() error
}
