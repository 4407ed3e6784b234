// Package store is the SQLite-backed implementation of the narrow registry
// contracts the gateway core consumes: node registry, packet log,
// channel-key registry and traceroute attempts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"meshmon/internal/channel"
	"meshmon/internal/model"
)

// minTracerouteStaleFloor is the floor on the probe-staleness cutoff. When
// the configured window and the floor disagree, the older cutoff wins, which
// always means probing less.
const minTracerouteStaleFloor = 30 * time.Minute

type nodeRow struct {
	bun.BaseModel `bun:"table:nodes"`

	NodeNum          int64        `bun:"node_num,pk"`
	NodeID           string       `bun:"node_id"`
	LongName         string       `bun:"long_name"`
	ShortName        string       `bun:"short_name"`
	LastHeardAt      time.Time    `bun:"last_heard_at"`
	LastTracerouteAt sql.NullTime `bun:"last_traceroute_at"`
}

type packetRow struct {
	bun.BaseModel `bun:"table:packets"`

	ID          int64           `bun:"id,pk,autoincrement"`
	FromNode    int64           `bun:"from_node"`
	ToNode      sql.NullInt64   `bun:"to_node"`
	PortNum     sql.NullInt64   `bun:"port_num"`
	Channel     int64           `bun:"channel"`
	HopStart    int64           `bun:"hop_start"`
	HopLimit    int64           `bun:"hop_limit"`
	Rssi        sql.NullInt64   `bun:"rssi"`
	Snr         sql.NullFloat64 `bun:"snr"`
	Direction   string          `bun:"direction"`
	Encrypted   bool            `bun:"encrypted"`
	DecryptedBy sql.NullInt64   `bun:"decrypted_by"`
	Timestamp   time.Time       `bun:"timestamp"`
}

type channelKeyRow struct {
	bun.BaseModel `bun:"table:channel_keys"`

	ID                    int64        `bun:"id,pk,autoincrement"`
	Name                  string       `bun:"name"`
	PSK                   []byte       `bun:"psk"`
	Enabled               bool         `bun:"enabled"`
	EnforceNameValidation bool         `bun:"enforce_name_validation"`
	DecryptedPacketCount  int64        `bun:"decrypted_packet_count"`
	LastDecryptedAt       sql.NullTime `bun:"last_decrypted_at"`
}

type tracerouteRow struct {
	bun.BaseModel `bun:"table:traceroute_attempts"`

	ID         int64        `bun:"id,pk,autoincrement"`
	TargetNode int64        `bun:"target_node"`
	SentAt     time.Time    `bun:"sent_at"`
	Succeeded  sql.NullBool `bun:"succeeded"`
	Route      string       `bun:"route"`
}

type Options struct {
	// TracerouteStaleAfter is how long a node may go unprobed before it
	// becomes a traceroute target. Values below the floor are raised to it.
	TracerouteStaleAfter time.Duration
}

type Store struct {
	db         *bun.DB
	staleAfter time.Duration
}

// Open connects to the SQLite database at dsn (":memory:" for tests) and
// creates the schema when missing.
func Open(dsn string, opts Options) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite misbehaves with concurrent writers on one handle.
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	s := &Store{db: db, staleAfter: opts.TracerouteStaleAfter}
	if s.staleAfter < minTracerouteStaleFloor {
		s.staleAfter = minTracerouteStaleFloor
	}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	models := []any{
		(*nodeRow)(nil),
		(*packetRow)(nil),
		(*channelKeyRow)(nil),
		(*tracerouteRow)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// UpsertNode records a node heard on the mesh.
func (s *Store) UpsertNode(ref model.NodeRef, lastHeard time.Time) error {
	ctx := context.Background()
	row := &nodeRow{
		NodeNum:     int64(ref.NodeNum),
		NodeID:      ref.NodeID,
		LongName:    ref.LongName,
		ShortName:   ref.ShortName,
		LastHeardAt: lastHeard,
	}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (node_num) DO UPDATE").
		Set("node_id = EXCLUDED.node_id").
		Set("long_name = EXCLUDED.long_name").
		Set("short_name = EXCLUDED.short_name").
		Set("last_heard_at = EXCLUDED.last_heard_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// TouchNode bumps last_heard_at without clobbering names.
func (s *Store) TouchNode(nodeNum uint32, heardAt time.Time) error {
	ctx := context.Background()
	res, err := s.db.NewUpdate().Model((*nodeRow)(nil)).
		Set("last_heard_at = ?", heardAt).
		Where("node_num = ?", int64(nodeNum)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.UpsertNode(model.NodeRef{NodeNum: nodeNum}, heardAt)
	}
	return nil
}

// NodeNeedingTraceroute picks the oldest-or-never-probed node among those
// heard since the staleness cutoff. ok=false means nothing needs probing.
func (s *Store) NodeNeedingTraceroute() (uint32, bool, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.staleAfter)
	var row nodeRow
	err := s.db.NewSelect().Model(&row).
		Where("last_heard_at >= ?", cutoff).
		Where("last_traceroute_at IS NULL OR last_traceroute_at < ?", cutoff).
		OrderExpr("last_traceroute_at IS NOT NULL, last_traceroute_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query traceroute target: %w", err)
	}
	return uint32(row.NodeNum), true, nil
}

// RecordTracerouteAttempt writes one attempt row and stamps the node.
func (s *Store) RecordTracerouteAttempt(nodeNum uint32, sentAt time.Time) error {
	ctx := context.Background()
	if _, err := s.db.NewInsert().Model(&tracerouteRow{
		TargetNode: int64(nodeNum),
		SentAt:     sentAt,
	}).Exec(ctx); err != nil {
		return fmt.Errorf("insert traceroute attempt: %w", err)
	}
	if _, err := s.db.NewUpdate().Model((*nodeRow)(nil)).
		Set("last_traceroute_at = ?", sentAt).
		Where("node_num = ?", int64(nodeNum)).
		Exec(ctx); err != nil {
		return fmt.Errorf("stamp node traceroute: %w", err)
	}
	return nil
}

// UpdateTracerouteResult resolves the most recent unanswered attempt toward
// a node with the discovered route.
func (s *Store) UpdateTracerouteResult(nodeNum uint32, route []uint32, succeeded bool) error {
	ctx := context.Background()
	var row tracerouteRow
	err := s.db.NewSelect().Model(&row).
		Where("target_node = ?", int64(nodeNum)).
		Where("succeeded IS NULL").
		OrderExpr("sent_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("find open traceroute attempt: %w", err)
	}
	routeJSON := ""
	if len(route) > 0 {
		data, err := json.Marshal(route)
		if err != nil {
			return fmt.Errorf("encode route: %w", err)
		}
		routeJSON = string(data)
	}
	if _, err := s.db.NewUpdate().Model((*tracerouteRow)(nil)).
		Set("succeeded = ?", succeeded).
		Set("route = ?", routeJSON).
		Where("id = ?", row.ID).
		Exec(ctx); err != nil {
		return fmt.Errorf("update traceroute attempt: %w", err)
	}
	return nil
}

// ExpireTracerouteAttempts marks unanswered attempts sent before the cutoff
// as failed and returns the count.
func (s *Store) ExpireTracerouteAttempts(cutoff time.Time) (int64, error) {
	ctx := context.Background()
	res, err := s.db.NewUpdate().Model((*tracerouteRow)(nil)).
		Set("succeeded = ?", false).
		Where("succeeded IS NULL").
		Where("sent_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire traceroute attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ListTracerouteAttempts returns attempts toward a node, newest first.
func (s *Store) ListTracerouteAttempts(nodeNum uint32) ([]model.TracerouteAttempt, error) {
	ctx := context.Background()
	var rows []tracerouteRow
	err := s.db.NewSelect().Model(&rows).
		Where("target_node = ?", int64(nodeNum)).
		OrderExpr("sent_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list traceroute attempts: %w", err)
	}
	out := make([]model.TracerouteAttempt, 0, len(rows))
	for _, r := range rows {
		a := model.TracerouteAttempt{
			ID:         r.ID,
			TargetNode: uint32(r.TargetNode),
			SentAt:     r.SentAt,
		}
		if r.Succeeded.Valid {
			v := r.Succeeded.Bool
			a.Succeeded = &v
		}
		if r.Route != "" {
			_ = json.Unmarshal([]byte(r.Route), &a.Route)
		}
		out = append(out, a)
	}
	return out, nil
}

// AddChannelKey registers a channel key (admin action, out of band).
func (s *Store) AddChannelKey(k channel.Key) (int64, error) {
	if err := k.Validate(); err != nil {
		return 0, err
	}
	ctx := context.Background()
	row := &channelKeyRow{
		Name:                  k.Name,
		PSK:                   k.PSK,
		Enabled:               k.Enabled,
		EnforceNameValidation: k.EnforceNameValidation,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert channel key: %w", err)
	}
	return row.ID, nil
}

// EnsureChannelKey inserts a key by name or updates the existing row in
// place, so startup seeding from the config file is idempotent.
func (s *Store) EnsureChannelKey(k channel.Key) (int64, error) {
	if err := k.Validate(); err != nil {
		return 0, err
	}
	ctx := context.Background()
	var existing channelKeyRow
	err := s.db.NewSelect().Model(&existing).
		Where("name = ?", k.Name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.AddChannelKey(k)
		}
		return 0, fmt.Errorf("find channel key: %w", err)
	}
	if _, err := s.db.NewUpdate().Model((*channelKeyRow)(nil)).
		Set("psk = ?", k.PSK).
		Set("enabled = ?", k.Enabled).
		Set("enforce_name_validation = ?", k.EnforceNameValidation).
		Where("id = ?", existing.ID).
		Exec(ctx); err != nil {
		return 0, fmt.Errorf("update channel key: %w", err)
	}
	return existing.ID, nil
}

// EnabledKeys returns enabled channel keys in ascending id order.
func (s *Store) EnabledKeys() ([]channel.Key, error) {
	ctx := context.Background()
	var rows []channelKeyRow
	err := s.db.NewSelect().Model(&rows).
		Where("enabled = ?", true).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channel keys: %w", err)
	}
	out := make([]channel.Key, 0, len(rows))
	for _, r := range rows {
		k := channel.Key{
			ID:                    r.ID,
			Name:                  r.Name,
			PSK:                   r.PSK,
			Enabled:               r.Enabled,
			EnforceNameValidation: r.EnforceNameValidation,
			DecryptedPacketCount:  uint64(r.DecryptedPacketCount),
		}
		if r.LastDecryptedAt.Valid {
			k.LastDecryptedAt = r.LastDecryptedAt.Time
		}
		out = append(out, k)
	}
	return out, nil
}

// BumpDecrypted increments a key's decrypted-packet counter. The single
// UPDATE keeps concurrent packet paths from losing increments.
func (s *Store) BumpDecrypted(id int64, at time.Time) error {
	ctx := context.Background()
	_, err := s.db.NewUpdate().Model((*channelKeyRow)(nil)).
		Set("decrypted_packet_count = decrypted_packet_count + 1").
		Set("last_decrypted_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bump channel key: %w", err)
	}
	return nil
}

// GetChannelKey reads one key row back (counter inspection).
func (s *Store) GetChannelKey(id int64) (channel.Key, error) {
	ctx := context.Background()
	var r channelKeyRow
	if err := s.db.NewSelect().Model(&r).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return channel.Key{}, fmt.Errorf("get channel key: %w", err)
	}
	k := channel.Key{
		ID:                    r.ID,
		Name:                  r.Name,
		PSK:                   r.PSK,
		Enabled:               r.Enabled,
		EnforceNameValidation: r.EnforceNameValidation,
		DecryptedPacketCount:  uint64(r.DecryptedPacketCount),
	}
	if r.LastDecryptedAt.Valid {
		k.LastDecryptedAt = r.LastDecryptedAt.Time
	}
	return k, nil
}

// PersistPacket appends one record to the packet log.
func (s *Store) PersistPacket(rec model.PacketRecord) error {
	ctx := context.Background()
	row := &packetRow{
		FromNode:  int64(rec.FromNode),
		Channel:   int64(rec.Channel),
		HopStart:  int64(rec.HopStart),
		HopLimit:  int64(rec.HopLimit),
		Direction: rec.Direction,
		Encrypted: rec.Encrypted,
		Timestamp: rec.Timestamp,
	}
	if rec.ToNode != nil {
		row.ToNode = sql.NullInt64{Int64: int64(*rec.ToNode), Valid: true}
	}
	if rec.PortNum != nil {
		row.PortNum = sql.NullInt64{Int64: int64(*rec.PortNum), Valid: true}
	}
	if rec.Rssi != nil {
		row.Rssi = sql.NullInt64{Int64: int64(*rec.Rssi), Valid: true}
	}
	if rec.Snr != nil {
		row.Snr = sql.NullFloat64{Float64: *rec.Snr, Valid: true}
	}
	if rec.DecryptedBy != nil {
		row.DecryptedBy = sql.NullInt64{Int64: *rec.DecryptedBy, Valid: true}
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}
	return nil
}

// CountPackets returns the packet log size (status reporting).
func (s *Store) CountPackets() (int64, error) {
	ctx := context.Background()
	n, err := s.db.NewSelect().Model((*packetRow)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return int64(n), nil
}

// NeighborStats aggregates zero-hop receptions per sender over the trailing
// window: direct-neighbor link quality without neighbor-info packets.
func (s *Store) NeighborStats(window time.Duration) ([]model.NeighborStat, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-window)
	var rows []struct {
		FromNode  int64     `bun:"from_node"`
		AvgRssi   float64   `bun:"avg_rssi"`
		Packets   int64     `bun:"packets"`
		LastHeard time.Time `bun:"last_heard"`
	}
	err := s.db.NewSelect().Model((*packetRow)(nil)).
		ColumnExpr("from_node").
		ColumnExpr("AVG(rssi) AS avg_rssi").
		ColumnExpr("COUNT(*) AS packets").
		ColumnExpr("MAX(timestamp) AS last_heard").
		Where("hop_start = hop_limit").
		Where("direction = ?", model.DirectionRx).
		Where("rssi IS NOT NULL").
		Where("timestamp >= ?", cutoff).
		GroupExpr("from_node").
		OrderExpr("avg_rssi DESC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("neighbor stats: %w", err)
	}
	out := make([]model.NeighborStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.NeighborStat{
			NodeNum:   uint32(r.FromNode),
			AvgRssi:   r.AvgRssi,
			Packets:   r.Packets,
			LastHeard: r.LastHeard,
		})
	}
	return out, nil
}
