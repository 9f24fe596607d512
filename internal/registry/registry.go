// Package registry mirrors established channels into rqlite so operators can
// see which collector ports a translator is bound to.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/bootstrap"
)

// Channel is one registered RDMA channel.
type Channel struct {
	TranslatorID  string
	Port          uint16
	Params        bootstrap.ConnectionParameters
	EstablishedAt time.Time
}

// ChannelRegistry stores channels in rqlite.
type ChannelRegistry struct {
	conn *gorqlite.Connection
}

// NewChannelRegistry connects to rqlite and creates the schema if needed.
func NewChannelRegistry(dbURI string) (*ChannelRegistry, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing channel registry with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	registry := &ChannelRegistry{conn: conn}
	if err := registry.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return registry, nil
}

func (r *ChannelRegistry) initializeSchema() error {
	// remote_addr is TEXT: the address may not fit a signed 64-bit integer.
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS channels (
		translator_id TEXT NOT NULL,
		port INTEGER NOT NULL,
		local_comm_id INTEGER NOT NULL,
		remote_comm_id INTEGER NOT NULL,
		qpn INTEGER NOT NULL,
		start_psn INTEGER NOT NULL,
		remote_addr TEXT NOT NULL,
		remote_len INTEGER NOT NULL,
		rkey INTEGER NOT NULL,
		established_at TEXT NOT NULL,
		PRIMARY KEY (translator_id, port)
	);
	`
	if _, err := r.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create channels table: %w", err)
	}
	return nil
}

// Close closes the registry
func (r *ChannelRegistry) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

// RegisterChannel upserts the channel translatorID holds to port.
func (r *ChannelRegistry) RegisterChannel(
	ctx context.Context,
	translatorID string,
	port uint16,
	params bootstrap.ConnectionParameters,
) error {
	log.Info().
		Str("translatorID", translatorID).
		Uint16("port", port).
		Uint32("qpn", params.QueuePairNumber).
		Msg("Registering channel")

	upsertSQL := `
	INSERT OR REPLACE INTO channels
	(translator_id, port, local_comm_id, remote_comm_id, qpn, start_psn, remote_addr, remote_len, rkey, established_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`
	stmt := gorqlite.ParameterizedStatement{
		Query: upsertSQL,
		Arguments: []interface{}{
			translatorID,
			int64(port),
			int64(params.LocalCommID),
			int64(params.RemoteCommID),
			int64(params.QueuePairNumber),
			int64(params.StartPSN),
			strconv.FormatUint(params.RemoteAddress, 10),
			int64(params.RemoteLength),
			int64(params.RemoteKey),
			time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to register channel: %w", err)
	}
	return nil
}

// GetChannel returns the channel to port, or nil if none is registered.
func (r *ChannelRegistry) GetChannel(ctx context.Context, translatorID string, port uint16) (*Channel, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     selectChannelsSQL + ` WHERE translator_id = ? AND port = ?;`,
		Arguments: []interface{}{translatorID, int64(port)},
	}
	channels, err := r.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return &channels[0], nil
}

// ListChannels returns every channel of translatorID ordered by port.
func (r *ChannelRegistry) ListChannels(ctx context.Context, translatorID string) ([]Channel, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     selectChannelsSQL + ` WHERE translator_id = ? ORDER BY port;`,
		Arguments: []interface{}{translatorID},
	}
	return r.query(ctx, stmt)
}

// RemoveChannel deletes the channel to port.
func (r *ChannelRegistry) RemoveChannel(ctx context.Context, translatorID string, port uint16) error {
	stmt := gorqlite.ParameterizedStatement{
		Query:     `DELETE FROM channels WHERE translator_id = ? AND port = ?;`,
		Arguments: []interface{}{translatorID, int64(port)},
	}
	if _, err := r.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to remove channel: %w", err)
	}
	return nil
}

const selectChannelsSQL = `
	SELECT translator_id, port, local_comm_id, remote_comm_id, qpn, start_psn, remote_addr, remote_len, rkey, established_at
	FROM channels`

func (r *ChannelRegistry) query(ctx context.Context, stmt gorqlite.ParameterizedStatement) ([]Channel, error) {
	result, err := r.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}

	var channels []Channel
	for result.Next() {
		var (
			translatorID, remoteAddr, establishedAt             string
			port, localComm, remoteComm, qpn, psn, length, rkey int64
		)
		if err := result.Scan(&translatorID, &port, &localComm, &remoteComm, &qpn, &psn, &remoteAddr, &length, &rkey, &establishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		addr, err := strconv.ParseUint(remoteAddr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remote address %q: %w", remoteAddr, err)
		}
		at, err := time.Parse(time.RFC3339, establishedAt)
		if err != nil {
			log.Warn().Err(err).Str("established_at", establishedAt).Msg("Unparseable channel timestamp")
		}

		channels = append(channels, Channel{
			TranslatorID: translatorID,
			Port:         uint16(port),
			Params: bootstrap.ConnectionParameters{
				LocalCommID:     uint32(localComm),
				RemoteCommID:    uint32(remoteComm),
				QueuePairNumber: uint32(qpn),
				StartPSN:        uint32(psn),
				RemoteAddress:   addr,
				RemoteLength:    uint32(length),
				RemoteKey:       uint32(rkey),
			},
			EstablishedAt: at,
		})
	}
	return channels, nil
}
