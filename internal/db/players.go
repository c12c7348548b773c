package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/events"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS players (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		connections INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS aliases (
		player_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		server TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (player_id, name, ip),
		FOREIGN KEY (player_id) REFERENCES players(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS penalties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind INTEGER NOT NULL,
		network_id TEXT NOT NULL,
		offender TEXT NOT NULL DEFAULT '',
		punisher TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		server TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_penalties_network_id ON penalties(network_id);
	CREATE INDEX IF NOT EXISTS idx_penalties_active ON penalties(active, expires_at);
	`,
	`CREATE INDEX IF NOT EXISTS idx_aliases_name ON aliases(name COLLATE NOCASE);`,
}

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	db  *Database
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenStore opens (creating if needed) the store at dbPath and brings its
// schema up to date.
func OpenStore(dbPath string) (*SQLiteStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, storeErr("open", err)
	}

	s := &SQLiteStore{db: database, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, storeErr("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				version, s.now().Unix())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		log.Debug().Int("version", version).Msg("database schema migrated")
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordPlayer upserts c under its identity, counts the connection and
// remembers the name/address it used.
func (s *SQLiteStore) RecordPlayer(ctx context.Context, c events.Client, server string) (Player, error) {
	identity := c.Identity()
	now := s.now().Unix()

	var p Player
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO players (network_id, name, level, connections, first_seen, last_seen)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(network_id) DO UPDATE SET
				name = excluded.name,
				connections = players.connections + 1,
				last_seen = excluded.last_seen
		`, identity, c.Name, int(events.LevelUser), now, now)
		if err != nil {
			return err
		}

		p, err = scanPlayer(tx.QueryRowContext(ctx, playerSelect+" WHERE network_id = ?", identity))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO aliases (player_id, name, ip, server, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(player_id, name, ip) DO UPDATE SET
				server = excluded.server,
				last_seen = excluded.last_seen
		`, p.ID, c.Name, c.IP, server, now)
		return err
	})
	if err != nil {
		return Player{}, storeErr("record player", err)
	}
	return p, nil
}

const playerSelect = `SELECT id, network_id, name, level, connections, first_seen, last_seen FROM players`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row rowScanner) (Player, error) {
	var (
		p               Player
		level           int
		first, lastSeen int64
	)
	if err := row.Scan(&p.ID, &p.NetworkID, &p.Name, &level, &p.Connections, &first, &lastSeen); err != nil {
		return Player{}, err
	}
	p.Level = events.Level(level)
	p.FirstSeen = time.Unix(first, 0)
	p.LastSeen = time.Unix(lastSeen, 0)
	return p, nil
}

// Player returns the player stored under identity.
func (s *SQLiteStore) Player(ctx context.Context, identity string) (Player, error) {
	p, err := scanPlayer(s.db.QueryRow(ctx, playerSelect+" WHERE network_id = ?", identity))
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, fmt.Errorf("player %s: %w", identity, ErrNotFound)
	}
	if err != nil {
		return Player{}, storeErr("player", err)
	}
	return p, nil
}

// Aliases returns every name the player was seen with, most recent first.
func (s *SQLiteStore) Aliases(ctx context.Context, identity string) ([]Alias, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.name, a.ip, a.server, a.last_seen
		FROM aliases a
		JOIN players p ON p.id = a.player_id
		WHERE p.network_id = ?
		ORDER BY a.last_seen DESC, a.name
	`, identity)
	if err != nil {
		return nil, storeErr("aliases", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var (
			a    Alias
			seen int64
		)
		if err := rows.Scan(&a.Name, &a.IP, &a.Server, &seen); err != nil {
			return nil, storeErr("aliases", err)
		}
		a.LastSeen = time.Unix(seen, 0)
		aliases = append(aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("aliases", err)
	}
	return aliases, nil
}

// SetLevel changes the stored permission level of a known player.
func (s *SQLiteStore) SetLevel(ctx context.Context, identity string, level events.Level) error {
	res, err := s.db.Exec(ctx, "UPDATE players SET level = ? WHERE network_id = ?", int(level), identity)
	if err != nil {
		return storeErr("set level", err)
	}
	n, err := affected("set level", res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("player %s: %w", identity, ErrNotFound)
	}

	log.Info().
		Str("identity", identity).
		Str("level", level.String()).
		Msg("player level changed")
	return nil
}

// AddPenalty stores p and returns it with its id. Warnings and kicks are
// one-shot and stored inactive.
func (s *SQLiteStore) AddPenalty(ctx context.Context, p Penalty) (Penalty, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.Active = p.Kind == PenaltyBan || p.Kind == PenaltyTempBan

	var expires int64
	if !p.ExpiresAt.IsZero() {
		expires = p.ExpiresAt.Unix()
	}

	res, err := s.db.Exec(ctx, `
		INSERT INTO penalties (kind, network_id, offender, punisher, reason, server, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int(p.Kind), p.NetworkID, p.Offender, p.Punisher, p.Reason, p.Server,
		p.CreatedAt.Unix(), expires, p.Active)
	if err != nil {
		return Penalty{}, storeErr("add penalty", err)
	}
	if p.ID, err = insertedID("add penalty", res); err != nil {
		return Penalty{}, err
	}

	log.Info().
		Str("kind", p.Kind.String()).
		Str("offender", p.Offender).
		Str("punisher", p.Punisher).
		Str("reason", p.Reason).
		Msg("penalty recorded")
	return p, nil
}

// ActivePenalties returns the active penalties of identity that have not
// expired at now, oldest first.
func (s *SQLiteStore) ActivePenalties(ctx context.Context, identity string, now time.Time) ([]Penalty, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, network_id, offender, punisher, reason, server, created_at, expires_at, active
		FROM penalties
		WHERE network_id = ? AND active = 1 AND (expires_at = 0 OR expires_at > ?)
		ORDER BY created_at, id
	`, identity, now.Unix())
	if err != nil {
		return nil, storeErr("active penalties", err)
	}
	defer rows.Close()

	var penalties []Penalty
	for rows.Next() {
		var (
			p                Penalty
			kind             int
			created, expires int64
		)
		if err := rows.Scan(&p.ID, &kind, &p.NetworkID, &p.Offender, &p.Punisher,
			&p.Reason, &p.Server, &created, &expires, &p.Active); err != nil {
			return nil, storeErr("active penalties", err)
		}
		p.Kind = PenaltyKind(kind)
		p.CreatedAt = time.Unix(created, 0)
		if expires > 0 {
			p.ExpiresAt = time.Unix(expires, 0)
		}
		penalties = append(penalties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active penalties", err)
	}
	return penalties, nil
}

// RevokePenalties deactivates every active penalty of identity and returns
// how many were lifted.
func (s *SQLiteStore) RevokePenalties(ctx context.Context, identity string) (int64, error) {
	res, err := s.db.Exec(ctx,
		"UPDATE penalties SET active = 0 WHERE network_id = ? AND active = 1", identity)
	if err != nil {
		return 0, storeErr("revoke penalties", err)
	}
	return affected("revoke penalties", res)
}

// ExpirePenalties deactivates temporary penalties whose expiry is at or
// before now.
func (s *SQLiteStore) ExpirePenalties(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Exec(ctx,
		"UPDATE penalties SET active = 0 WHERE active = 1 AND expires_at > 0 AND expires_at <= ?",
		now.Unix())
	if err != nil {
		return 0, storeErr("expire penalties", err)
	}
	n, err := affected("expire penalties", res)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int64("count", n).Msg("expired penalties")
	}
	return n, nil
}

func affected(op string, res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

func insertedID(op string, res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr(op, err)
	}
	return id, nil
}
