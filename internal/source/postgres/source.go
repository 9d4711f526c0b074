package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source"
)

// TombstoneTable keeps one row per deleted record; the delete trigger writes it.
const TombstoneTable = "observer_deleted_records"

const pgDuplicateObject = "42710"

// DefaultCommitLag is how far before the requested start each scan reaches.
const DefaultCommitLag = 30 * time.Second

// Config PostgreSQL 数据源配置
type Config struct {
	DSN string
	// Table defaults to the entity name.
	Table           string
	IDColumn        string
	UpdatedAtColumn string
	MaxConns        int32
	// CommitLag widens every scan window backwards. Rows are stamped when
	// written but become visible only at commit, so a transaction open across
	// a scan is picked up by a later scan as long as it commits within the lag.
	// Zero means DefaultCommitLag; negative disables the overlap.
	CommitLag time.Duration
}

func (c Config) withDefaults() Config {
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
	if c.UpdatedAtColumn == "" {
		c.UpdatedAtColumn = "updated_at"
	}
	if c.CommitLag == 0 {
		c.CommitLag = DefaultCommitLag
	}
	return c
}

// scanStart is the lower bound actually queried for a window starting at start.
func (c Config) scanStart(start time.Time) time.Time {
	if c.CommitLag <= 0 {
		return start
	}
	return start.Add(-c.CommitLag)
}

func (c Config) table(entityName string) string {
	if c.Table != "" {
		return c.Table
	}
	return entityName
}

// Source watches one table through a tombstone table, triggers and LISTEN/NOTIFY.
type Source struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

var _ source.Source = (*Source)(nil)

func NewSource(cfg Config, logger *zap.Logger) *Source {
	return &Source{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Authenticate opens the pool and pings the server.
func (s *Source) Authenticate(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if s.cfg.MaxConns > 0 {
		poolCfg.MaxConns = s.cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	s.logger.Info("postgres connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
	)
	return nil
}

// Close releases the pool.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Source) db() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, source.ErrNotAuthenticated
	}
	return s.pool, nil
}

// EnsureChangeTopic installs the tombstone table and the triggers that stamp
// updates and notify on topic. An existing notify trigger counts as already
// provisioned.
func (s *Source) EnsureChangeTopic(ctx context.Context, topic, entityName string) (source.TopicStatus, error) {
	if !source.ValidIdentifier(topic) || !source.ValidIdentifier(entityName) {
		return 0, fmt.Errorf("invalid topic %q or entity %q", topic, entityName)
	}
	pool, err := s.db()
	if err != nil {
		return 0, err
	}

	table := s.cfg.table(entityName)
	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = $1 AND NOT tgisinternal)`,
		notifyTriggerName(topic),
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check trigger: %w", err)
	}
	if exists {
		return source.TopicAlreadyExists, nil
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range provisionStatements(topic, entityName, table, s.cfg) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
		return source.TopicAlreadyExists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("provision topic %s: %w", topic, err)
	}

	s.logger.Info("change topic provisioned",
		zap.String("topic", topic),
		zap.String("table", table),
	)
	return source.TopicCreated, nil
}

func (s *Source) ListUpdated(ctx context.Context, entityName string, start, end time.Time) (*source.UpdatedResult, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s::text FROM %s WHERE %s >= $1 AND %s <= $2 ORDER BY %s ASC`,
		ident(s.cfg.IDColumn), ident(s.cfg.table(entityName)),
		ident(s.cfg.UpdatedAtColumn), ident(s.cfg.UpdatedAtColumn), ident(s.cfg.UpdatedAtColumn),
	)
	rows, err := pool.Query(ctx, query, s.cfg.scanStart(start), end)
	if err != nil {
		return nil, fmt.Errorf("query updated %s: %w", entityName, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan updated %s: %w", entityName, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return &source.UpdatedResult{IDs: ids}, nil
}

func (s *Source) ListDeleted(ctx context.Context, entityName string, start, end time.Time) (*source.DeletedResult, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT record_id, deleted_at
		FROM `+TombstoneTable+`
		WHERE entity_name = $1 AND deleted_at >= $2 AND deleted_at <= $3
		ORDER BY deleted_at ASC, id ASC`,
		entityName, s.cfg.scanStart(start), end,
	)
	if err != nil {
		return nil, fmt.Errorf("query deleted %s: %w", entityName, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DeletedRecord, error) {
		var rec models.DeletedRecord
		err := row.Scan(&rec.ID, &rec.DeletedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan deleted %s: %w", entityName, err)
	}

	res := &source.DeletedResult{Records: records}
	if res.Records == nil {
		res.Records = []models.DeletedRecord{}
	}

	var earliest *time.Time
	err = pool.QueryRow(ctx,
		`SELECT MIN(deleted_at) FROM `+TombstoneTable+` WHERE entity_name = $1`, entityName,
	).Scan(&earliest)
	if err != nil {
		return nil, fmt.Errorf("query earliest tombstone: %w", err)
	}
	if earliest != nil {
		res.EarliestDateAvailable = *earliest
	}
	return res, nil
}

// SubscribeLive takes a connection out of the pool and LISTENs on topic.
func (s *Source) SubscribeLive(ctx context.Context, topic string, onMessage func(source.Message)) (source.Subscription, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+ident(topic)); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &listenSubscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(runCtx, conn, onMessage, s.logger.With(zap.String("topic", topic)))
	return sub, nil
}

type listenSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (l *listenSubscription) run(ctx context.Context, conn *pgx.Conn, onMessage func(source.Message), logger *zap.Logger) {
	defer close(l.done)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	logger.Info("listening for notifications")
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.mu.Lock()
				l.err = err
				l.mu.Unlock()
				logger.Warn("listen connection lost", zap.Error(err))
			}
			return
		}
		onMessage(source.Message(n.Payload))
	}
}

func (l *listenSubscription) Done() <-chan struct{} { return l.done }

func (l *listenSubscription) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *listenSubscription) Close() error {
	l.cancel()
	<-l.done
	return nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func stampTriggerName(topic string) string  { return topic + "_stamp" }
func notifyTriggerName(topic string) string { return topic + "_notify" }

// provisionStatements returns the DDL that wires table to topic.
func provisionStatements(topic, entityName, table string, cfg Config) []string {
	stampFn := ident(strings.ToLower(topic) + "_stamp_fn")
	notifyFn := ident(strings.ToLower(topic) + "_notify_fn")
	updatedAt := ident(cfg.UpdatedAtColumn)
	idCol := ident(cfg.IDColumn)
	entityLit := "'" + entityName + "'"
	topicLit := "'" + topic + "'"

	return []string{
		`CREATE TABLE IF NOT EXISTS ` + TombstoneTable + ` (
			id          BIGSERIAL PRIMARY KEY,
			entity_name TEXT        NOT NULL,
			record_id   TEXT        NOT NULL,
			deleted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + TombstoneTable + `_entity_deleted_at_idx
			ON ` + TombstoneTable + ` (entity_name, deleted_at)`,

		// 写入时刷新更新时间
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$
BEGIN
	NEW.%s := clock_timestamp();
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql`, stampFn, updatedAt),

		// 删除写墓碑, 所有变更发通知
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$
BEGIN
	IF TG_OP = 'DELETE' THEN
		INSERT INTO %s (entity_name, record_id, deleted_at)
		VALUES (%s, OLD.%s::text, clock_timestamp());
		PERFORM pg_notify(%s, json_build_object('op', TG_OP, 'id', OLD.%s::text)::text);
	ELSE
		PERFORM pg_notify(%s, json_build_object('op', TG_OP, 'id', NEW.%s::text)::text);
	END IF;
	RETURN NULL;
END;
$fn$ LANGUAGE plpgsql`, notifyFn, TombstoneTable, entityLit, idCol, topicLit, idCol, topicLit, idCol),

		fmt.Sprintf(`CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`,
			ident(stampTriggerName(topic)), ident(table), stampFn),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`,
			ident(notifyTriggerName(topic)), ident(table), notifyFn),
	}
}
