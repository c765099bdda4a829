package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

var entryColumns = []any{
	"id", "position", "sequence", "recorded_at",
	"actor_id", "actor_name", "actor_email", "actor_role",
	"action", "resource_type", "resource_id", "diff",
	"origin_ip", "origin_operation", "origin_params",
}

// PgStore keeps the audit log and its outbox in Postgres.
type PgStore struct {
	pool     *pgxpool.Pool
	snapshot *db.PgTxRunner
	dialect  goqu.DialectWrapper
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		pool:     pool,
		snapshot: db.NewPgTxRunner(pool).ReadOnlySnapshot(),
		dialect:  goqu.Dialect("postgres"),
	}
}

func (s *PgStore) NextSequence(ctx context.Context, resourceType, resourceID string) (int64, error) {
	var seq int64
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO audit_sequences (resource_type, resource_id, last_sequence)
		VALUES ($1, $2, 1)
		ON CONFLICT (resource_type, resource_id)
		DO UPDATE SET last_sequence = audit_sequences.last_sequence + 1
		RETURNING last_sequence
	`, resourceType, resourceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next audit sequence: %w", err)
	}
	return seq, nil
}

func (s *PgStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	params, err := json.Marshal(e.Origin.Params)
	if err != nil {
		return fmt.Errorf("marshal origin params: %w", err)
	}

	err = db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO audit_entries (
			id, sequence, recorded_at, actor_id, actor_name, actor_email, actor_role,
			action, resource_type, resource_id, diff, origin_ip, origin_operation, origin_params
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
		RETURNING position
	`,
		e.ID, e.Sequence, e.RecordedAt, e.Actor.ID, e.Actor.Name, e.Actor.Email, string(e.Actor.Role),
		string(e.Action), e.ResourceType, e.ResourceID, json.RawMessage(diff),
		e.Origin.IP, e.Origin.Operation, json.RawMessage(params),
	).Scan(&e.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PgStore) LatestPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM audit_entries`).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("latest audit position: %w", err)
	}
	return pos, nil
}

// buildFind renders the page and count statements for q.
func (s *PgStore) buildFind(q Query) (pageSQL string, pageArgs []any, countSQL string, countArgs []any, err error) {
	ds := s.dialect.From("audit_entries").Prepared(true).Where(filterExpressions(q)...)

	countSQL, countArgs, err = ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return "", nil, "", nil, fmt.Errorf("build audit count: %w", err)
	}

	order := []exp.OrderedExpression{
		goqu.C("recorded_at").Desc(), goqu.C("sequence").Desc(), goqu.C("position").Desc(),
	}
	if q.Ascending {
		order = []exp.OrderedExpression{
			goqu.C("recorded_at").Asc(), goqu.C("sequence").Asc(), goqu.C("position").Asc(),
		}
	}
	page := ds.Select(entryColumns...).Order(order...)
	if q.Limit > 0 {
		page = page.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		page = page.Offset(uint(q.Offset))
	}

	pageSQL, pageArgs, err = page.ToSQL()
	if err != nil {
		return "", nil, "", nil, fmt.Errorf("build audit page: %w", err)
	}
	return pageSQL, pageArgs, countSQL, countArgs, nil
}

func filterExpressions(q Query) []exp.Expression {
	var where []exp.Expression
	if q.Action != "" {
		where = append(where, goqu.C("action").Eq(string(q.Action)))
	}
	if q.ResourceType != "" {
		where = append(where, goqu.C("resource_type").Eq(q.ResourceType))
	}
	if q.ResourceID != "" {
		where = append(where, goqu.C("resource_id").Eq(q.ResourceID))
	}
	if q.ActorText != "" {
		pattern := likePattern(q.ActorText)
		where = append(where, goqu.Or(
			goqu.C("actor_name").ILike(pattern),
			goqu.C("actor_email").ILike(pattern),
		))
	}
	if q.FreeText != "" {
		pattern := likePattern(q.FreeText)
		where = append(where, goqu.Or(
			goqu.C("actor_id").ILike(pattern),
			goqu.C("actor_name").ILike(pattern),
			goqu.C("actor_email").ILike(pattern),
			goqu.C("resource_id").ILike(pattern),
		))
	}
	if !q.From.IsZero() {
		where = append(where, goqu.C("recorded_at").Gte(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, goqu.C("recorded_at").Lt(q.To))
	}
	if q.MaxPosition > 0 {
		where = append(where, goqu.C("position").Lte(q.MaxPosition))
	}
	return where
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(text string) string {
	return "%" + likeEscaper.Replace(text) + "%"
}

// Find runs the count and the page in one read-only snapshot so the total
// always agrees with the rows.
func (s *PgStore) Find(ctx context.Context, q Query) ([]domain.AuditEntry, int, error) {
	pageSQL, pageArgs, countSQL, countArgs, err := s.buildFind(q)
	if err != nil {
		return nil, 0, err
	}

	var (
		entries []domain.AuditEntry
		total   int
	)
	err = s.snapshot.InTx(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
			return fmt.Errorf("count audit entries: %w", err)
		}
		rows, err := conn.Query(ctx, pageSQL, pageArgs...)
		if err != nil {
			return fmt.Errorf("query audit entries: %w", err)
		}
		entries, err = collectEntries(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PgStore) History(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT id, position, sequence, recorded_at, actor_id, actor_name, actor_email, actor_role,
		       action, resource_type, resource_id, diff, origin_ip, origin_operation, origin_params
		FROM audit_entries
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY sequence, position
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	return collectEntries(rows)
}

func (s *PgStore) Aggregate(ctx context.Context, since, todayStart time.Time, loc *time.Location) (Aggregates, error) {
	agg := Aggregates{
		PerDay:         make(map[string]int),
		ByResourceType: make(map[string]int),
		ByAction:       make(map[string]int),
	}

	err := s.snapshot.InTx(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)

		if err := scanCounts(ctx, conn, agg.PerDay, `
			SELECT to_char(recorded_at AT TIME ZONE $1, 'YYYY-MM-DD') AS day, count(*)
			FROM audit_entries
			WHERE recorded_at >= $2
			GROUP BY day
		`, loc.String(), since); err != nil {
			return fmt.Errorf("count per day: %w", err)
		}
		if err := scanCounts(ctx, conn, agg.ByResourceType, `
			SELECT resource_type, count(*) FROM audit_entries WHERE recorded_at >= $1 GROUP BY resource_type
		`, since); err != nil {
			return fmt.Errorf("count per resource type: %w", err)
		}
		if err := scanCounts(ctx, conn, agg.ByAction, `
			SELECT action, count(*) FROM audit_entries WHERE recorded_at >= $1 GROUP BY action
		`, since); err != nil {
			return fmt.Errorf("count per action: %w", err)
		}

		return conn.QueryRow(ctx, `
			SELECT count(*), count(DISTINCT actor_id) FROM audit_entries WHERE recorded_at >= $1
		`, todayStart).Scan(&agg.EntriesToday, &agg.ActorsToday)
	})
	if err != nil {
		return Aggregates{}, err
	}
	return agg, nil
}

func scanCounts(ctx context.Context, conn db.Querier, into map[string]int, sql string, args ...any) error {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func scanEntry(row pgx.Row) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		role   string
		action string
		diff   []byte
		params []byte
	)
	err := row.Scan(
		&e.ID, &e.Position, &e.Sequence, &e.RecordedAt,
		&e.Actor.ID, &e.Actor.Name, &e.Actor.Email, &role,
		&action, &e.ResourceType, &e.ResourceID, &diff,
		&e.Origin.IP, &e.Origin.Operation, &params,
	)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	e.Actor.Role = domain.Role(role)
	e.Action = domain.Action(action)
	if err := json.Unmarshal(diff, &e.Diff); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("decode diff of %s: %w", e.ID, err)
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &e.Origin.Params); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("decode origin params of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Outbox

func (s *PgStore) Enqueue(ctx context.Context, e domain.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO audit_outbox (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("insert audit outbox: %w", err)
	}
	return nil
}

func (s *PgStore) Pending(ctx context.Context, now time.Time, limit int) ([]PendingEntry, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT payload, attempts
		FROM audit_outbox
		WHERE next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit outbox: %w", err)
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var payload []byte
		var p PendingEntry
		if err := rows.Scan(&payload, &p.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &p.Entry); err != nil {
			return nil, fmt.Errorf("decode outbox payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) Delivered(ctx context.Context, id uuid.UUID) error {
	if _, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM audit_outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete audit outbox row: %w", err)
	}
	return nil
}

func (s *PgStore) Failed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE audit_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = $3
		WHERE id = $1
	`, id, msg, retryAt)
	if err != nil {
		return fmt.Errorf("update audit outbox row: %w", err)
	}
	return nil
}
