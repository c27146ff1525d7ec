package tripsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEntitiesTable   = "tripsync_entities"
	postgresEventsTable     = "tripsync_events"
	postgresRecipientsTable = "tripsync_event_recipients"
	postgresMembersTable    = "tripsync_members"
	postgresInitTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores entities, the event log, recipient snapshots and
// aggregate membership in one database so a mutation and its event commit in
// a single transaction. Event ids come from a BIGSERIAL column: strictly
// increasing within every router, never reused.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					router TEXT NOT NULL,
					id TEXT NOT NULL,
					aggregate_id TEXT NOT NULL,
					data JSONB NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (router, id)
				)`, quoteIdentifier(postgresEntitiesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					router TEXT NOT NULL,
					actor_user_id TEXT NOT NULL,
					action TEXT NOT NULL,
					data JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(postgresEventsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					event_id BIGINT NOT NULL,
					user_id TEXT NOT NULL,
					router TEXT NOT NULL,
					PRIMARY KEY (event_id, user_id)
				)`, quoteIdentifier(postgresRecipientsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					aggregate_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					PRIMARY KEY (aggregate_id, user_id)
				)`, quoteIdentifier(postgresMembersTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (router, id)",
				quoteIdentifier(postgresEventsTable+"_router_id_idx"),
				quoteIdentifier(postgresEventsTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (user_id, router, event_id)",
				quoteIdentifier(postgresRecipientsTable+"_user_router_idx"),
				quoteIdentifier(postgresRecipientsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

type postgresTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (b *PostgresBackend) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (t *postgresTx) GetEntity(router, id string) (Entity, error) {
	query := fmt.Sprintf(
		"SELECT aggregate_id, data FROM %s WHERE router = $1 AND id = $2",
		quoteIdentifier(postgresEntitiesTable))
	var aggregateID string
	var data []byte
	err := t.tx.QueryRowContext(t.ctx, query, router, id).Scan(&aggregateID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return Entity{Router: router, ID: id, AggregateID: aggregateID, Data: data}, nil
}

func (t *postgresTx) UpsertEntity(entity Entity) error {
	if entity.Router == "" || entity.ID == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (router, id, aggregate_id, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (router, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		quoteIdentifier(postgresEntitiesTable))
	_, err := t.tx.ExecContext(t.ctx, query, entity.Router, entity.ID, entity.AggregateID, []byte(entity.Data))
	return err
}

func (t *postgresTx) DeleteEntity(router, id string) error {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE router = $1 AND id = $2",
		quoteIdentifier(postgresEntitiesTable))
	result, err := t.tx.ExecContext(t.ctx, query, router, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) Members(aggregateID string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT user_id FROM %s WHERE aggregate_id = $1 ORDER BY user_id",
		quoteIdentifier(postgresMembersTable))
	rows, err := t.tx.QueryContext(t.ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

func (t *postgresTx) AddMember(aggregateID, userID string) error {
	if strings.TrimSpace(aggregateID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (aggregate_id, user_id) DO NOTHING`,
		quoteIdentifier(postgresMembersTable))
	_, err := t.tx.ExecContext(t.ctx, query, aggregateID, userID)
	return err
}

func (t *postgresTx) AppendEvent(router, actorUserID string, action Action, data json.RawMessage, recipients []string) (Event, error) {
	if router == "" || actorUserID == "" {
		return Event{}, ErrInvalidInput
	}
	// Serialize appends per router so BIGSERIAL ids commit in order and a
	// live subscriber never skips a lower id that is still in flight.
	if _, err := t.tx.ExecContext(t.ctx, "SELECT pg_advisory_xact_lock($1)", postgresRouterLockKey(router)); err != nil {
		return Event{}, err
	}
	insertEvent := fmt.Sprintf(`
		INSERT INTO %s (router, actor_user_id, action, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		quoteIdentifier(postgresEventsTable))
	var id int64
	var createdAt time.Time
	if err := t.tx.QueryRowContext(t.ctx, insertEvent, router, actorUserID, string(action), []byte(data)).Scan(&id, &createdAt); err != nil {
		return Event{}, err
	}
	insertRecipient := fmt.Sprintf(`
		INSERT INTO %s (event_id, user_id, router)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		quoteIdentifier(postgresRecipientsTable))
	for _, user := range recipients {
		if user == "" {
			continue
		}
		if _, err := t.tx.ExecContext(t.ctx, insertRecipient, id, user, router); err != nil {
			return Event{}, err
		}
	}
	return Event{
		ID:          id,
		Router:      router,
		ActorUserID: actorUserID,
		Action:      action,
		Data:        append(json.RawMessage(nil), data...),
		CreatedAt:   createdAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *PostgresBackend) GetEntity(ctx context.Context, router, id string) (Entity, error) {
	if err := b.ensureReady(); err != nil {
		return Entity{}, err
	}
	query := fmt.Sprintf(
		"SELECT aggregate_id, data FROM %s WHERE router = $1 AND id = $2",
		quoteIdentifier(postgresEntitiesTable))
	var aggregateID string
	var data []byte
	err := b.db.QueryRowContext(ctx, query, router, id).Scan(&aggregateID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return Entity{Router: router, ID: id, AggregateID: aggregateID, Data: data}, nil
}

func (b *PostgresBackend) ListEntities(ctx context.Context, router, userID string) ([]json.RawMessage, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT e.data
		FROM %s e
		JOIN %s m ON m.aggregate_id = e.aggregate_id
		WHERE e.router = $1 AND m.user_id = $2
		ORDER BY e.id`,
		quoteIdentifier(postgresEntitiesTable),
		quoteIdentifier(postgresMembersTable))
	rows, err := b.db.QueryContext(ctx, query, router, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]json.RawMessage, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		items = append(items, json.RawMessage(data))
	}
	return items, rows.Err()
}

func (b *PostgresBackend) QueryEvents(ctx context.Context, router, userID string, afterID int64) ([]Event, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT e.id, e.actor_user_id, e.action, e.data, e.created_at
		FROM %s e
		JOIN %s r ON r.event_id = e.id
		WHERE e.router = $1 AND r.user_id = $2 AND e.id > $3
		ORDER BY e.id ASC`,
		quoteIdentifier(postgresEventsTable),
		quoteIdentifier(postgresRecipientsTable))
	rows, err := b.db.QueryContext(ctx, query, router, userID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		var action string
		var data []byte
		var createdAt time.Time
		if err := rows.Scan(&event.ID, &event.ActorUserID, &action, &data, &createdAt); err != nil {
			return nil, err
		}
		event.Router = router
		event.Action = Action(action)
		event.Data = data
		event.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (b *PostgresBackend) LatestEventID(ctx context.Context, router string) (int64, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(id), 0) FROM %s WHERE router = $1",
		quoteIdentifier(postgresEventsTable))
	var latest int64
	if err := b.db.QueryRowContext(ctx, query, router).Scan(&latest); err != nil {
		return 0, err
	}
	return latest, nil
}

func (b *PostgresBackend) Members(ctx context.Context, aggregateID string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT user_id FROM %s WHERE aggregate_id = $1 ORDER BY user_id",
		quoteIdentifier(postgresMembersTable))
	rows, err := b.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func scanUserIDs(rows *sql.Rows) ([]string, error) {
	users := make([]string, 0)
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresRouterLockKey(router string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresEventsTable))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(router)))
	return int64(hasher.Sum64())
}
