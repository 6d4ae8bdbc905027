package kiwibnc

import (
	"context"
	"encoding/json"
	"io"

	"git.sr.ht/~sircmpwn/go-bare"
)

// snapshotRow is the BARE wire shape of one ConnectionRow. BARE encodes
// concrete struct/slice/string/int shapes directly but has no
// `interface{}` map type, so TempData — the one genuinely dynamic field on
// ConnectionRow — is carried pre-marshaled as a JSON string, the same
// encoding the SQL backends already use for it in a text column.
type snapshotRow struct {
	ConID             string
	Type              int32
	NetRegistered     bool
	Connected         bool
	ServerPrefix      string
	Nick              string
	Username          string
	Realname          string
	Account           string
	Password          string
	Host              string
	Port              int32
	TLS               bool
	TLSVerify         bool
	BindHost          string
	SASLAccount       string
	SASLPassword      string
	RegistrationLines []string
	ISupports         []string
	Caps              []string
	Buffers           []snapshotBuffer
	ReceivedMotd      bool
	AuthUserID        int64
	AuthNetworkID     int64
	AuthNetworkName   string
	AuthAdmin         bool
	LinkedIncomingConIDs []string
	Logging           bool
	TempDataJSON      string
}

type snapshotBuffer struct {
	Name       string
	Key        string
	Joined     bool
	Topic      string
	IsChannel  bool
	LastSeenAt int64
}

// Snapshot is the top-level BARE document written by `kiwibncctl snapshot`
// (SPEC_FULL.md §4.1.E2): every persisted connection row, portable between
// the SQLite and PostgreSQL backends independent of either's native
// encoding.
type Snapshot struct {
	Connections []snapshotRow
}

func rowToSnapshot(row *ConnectionRow) (snapshotRow, error) {
	tempJSON, err := marshalJSON(row.TempData)
	if err != nil {
		return snapshotRow{}, err
	}

	buffers := make([]snapshotBuffer, len(row.Buffers))
	for i, b := range row.Buffers {
		buffers[i] = snapshotBuffer{
			Name:       b.Name,
			Key:        b.Key,
			Joined:     b.Joined,
			Topic:      b.Topic,
			IsChannel:  b.IsChannel,
			LastSeenAt: b.LastSeenAt,
		}
	}

	return snapshotRow{
		ConID:                row.ConID,
		Type:                 int32(row.Type),
		NetRegistered:        row.NetRegistered,
		Connected:            row.Connected,
		ServerPrefix:         row.ServerPrefix,
		Nick:                 row.Nick,
		Username:             row.Username,
		Realname:             row.Realname,
		Account:              row.Account,
		Password:             row.Password,
		Host:                 row.Host,
		Port:                 int32(row.Port),
		TLS:                  row.TLS,
		TLSVerify:            row.TLSVerify,
		BindHost:             row.BindHost,
		SASLAccount:          row.SASL.Account,
		SASLPassword:         row.SASL.Password,
		RegistrationLines:    row.RegistrationLines,
		ISupports:            row.ISupports,
		Caps:                 row.Caps,
		Buffers:              buffers,
		ReceivedMotd:         row.ReceivedMotd,
		AuthUserID:           row.AuthUserID,
		AuthNetworkID:        row.AuthNetworkID,
		AuthNetworkName:      row.AuthNetworkName,
		AuthAdmin:            row.AuthAdmin,
		LinkedIncomingConIDs: row.LinkedIncomingConIDs,
		Logging:              row.Logging,
		TempDataJSON:         tempJSON,
	}, nil
}

func snapshotToRow(s snapshotRow) (*ConnectionRow, error) {
	var tempData map[string]interface{}
	if err := json.Unmarshal([]byte(s.TempDataJSON), &tempData); err != nil && s.TempDataJSON != "" {
		return nil, err
	}

	buffers := make([]Buffer, len(s.Buffers))
	for i, b := range s.Buffers {
		buffers[i] = Buffer{
			Name:       b.Name,
			Key:        b.Key,
			Joined:     b.Joined,
			Topic:      b.Topic,
			IsChannel:  b.IsChannel,
			LastSeenAt: b.LastSeenAt,
		}
	}

	return &ConnectionRow{
		ConID:                s.ConID,
		Type:                 ConnType(s.Type),
		NetRegistered:        s.NetRegistered,
		Connected:            s.Connected,
		ServerPrefix:         s.ServerPrefix,
		Nick:                 s.Nick,
		Username:             s.Username,
		Realname:             s.Realname,
		Account:              s.Account,
		Password:             s.Password,
		Host:                 s.Host,
		Port:                 int(s.Port),
		TLS:                  s.TLS,
		TLSVerify:            s.TLSVerify,
		BindHost:             s.BindHost,
		SASL:                 SaslInfo{Account: s.SASLAccount, Password: s.SASLPassword},
		RegistrationLines:    s.RegistrationLines,
		ISupports:            s.ISupports,
		Caps:                 s.Caps,
		Buffers:              buffers,
		ReceivedMotd:         s.ReceivedMotd,
		AuthUserID:           s.AuthUserID,
		AuthNetworkID:        s.AuthNetworkID,
		AuthNetworkName:      s.AuthNetworkName,
		AuthAdmin:            s.AuthAdmin,
		LinkedIncomingConIDs: s.LinkedIncomingConIDs,
		Logging:              s.Logging,
		TempData:             tempData,
	}, nil
}

// WriteSnapshot encodes every connection row known to db as a single BARE
// document to w.
func WriteSnapshot(ctx context.Context, db Database, w io.Writer) error {
	rows, err := db.ListConnections(ctx)
	if err != nil {
		return err
	}

	snap := Snapshot{Connections: make([]snapshotRow, len(rows))}
	for i, row := range rows {
		sr, err := rowToSnapshot(row)
		if err != nil {
			return err
		}
		snap.Connections[i] = sr
	}

	return bare.NewEncoder(w).Encode(&snap)
}

// ReadSnapshot decodes a BARE document produced by WriteSnapshot and
// replays every row into db, used by `kiwibncctl restore` to migrate
// between the SQLite and PostgreSQL backends.
func ReadSnapshot(ctx context.Context, db Database, r io.Reader) error {
	var snap Snapshot
	dec := bare.NewDecoder(r, 64<<20)
	if err := dec.Decode(&snap); err != nil {
		return err
	}

	for _, sr := range snap.Connections {
		row, err := snapshotToRow(sr)
		if err != nil {
			return err
		}
		if err := db.SaveConnection(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
