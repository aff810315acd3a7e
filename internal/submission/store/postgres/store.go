package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	feed "quotefeed/internal/feed/models"
	"quotefeed/internal/submission/models"
	"quotefeed/internal/submission/store"
	"quotefeed/pkg/platform/sentinel"
)

const (
	defaultChannel      = "submission_changes"
	defaultFetchTimeout = 5 * time.Second
	listenBuffer        = 256
	uniqueViolation     = "23505"
)

const submissionColumns = `id::text, client_id, step, fields, revision, version, created_at, updated_at`

// Store persists submissions in PostgreSQL. Its native change feed is
// LISTEN/NOTIFY on a dedicated pooled connection.
type Store struct {
	pool         *pgxpool.Pool
	channel      string
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithChannel(channel string) Option {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithFetchTimeout bounds the row fetch for notifications announced by key.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a PostgreSQL-backed submission store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:         pool,
		channel:      defaultChannel,
		fetchTimeout: defaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("create submission: missing id: %w", sentinel.ErrInvalidState)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (id, client_id, step, fields)
		VALUES ($1, $2, $3, $4)
		RETURNING `+submissionColumns,
		sub.ID, sub.ClientID, string(sub.Step), fieldsOrEmpty(sub.Fields),
	)
	rec, err := scanSubmission(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("create submission %s: %w", sub.ID, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("create submission %s: %w", sub.ID, err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	if sub == nil {
		return nil, fmt.Errorf("update submission: %w", sentinel.ErrInvalidState)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE submissions
		SET step = $2,
			fields = $3,
			revision = revision + 1,
			version = nextval('submission_version_seq'),
			updated_at = now()
		WHERE id = $1
		RETURNING `+submissionColumns,
		sub.ID, string(sub.Step), fieldsOrEmpty(sub.Fields),
	)
	rec, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update submission %s: %w", sub.ID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("update submission %s: %w", sub.ID, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id::text = $1`, id)
	rec, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get submission %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) QueryModifiedSince(ctx context.Context, marker uint64, limit int) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE version > $1 ORDER BY version`
	args := []any{int64(marker)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryList(ctx, "query modified submissions", query, args...)
}

func (s *Store) LatestVersion(ctx context.Context) (uint64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM submissions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest submission version: %w", err)
	}
	return uint64(v), nil
}

func (s *Store) Snapshot(ctx context.Context) ([]models.Submission, error) {
	return s.queryList(ctx, "snapshot submissions",
		`SELECT `+submissionColumns+` FROM submissions ORDER BY version`)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", sentinel.ErrUnavailable)
	}
	return nil
}

func (s *Store) queryList(ctx context.Context, op, query string, args ...any) ([]models.Submission, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Submission, 0)
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SubscribeToChanges dedicates a pooled connection to LISTEN on the change
// channel until the returned stream is closed or the connection breaks.
func (s *Store) SubscribeToChanges(ctx context.Context) (feed.NotificationStream, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w: %w", feed.ErrSourceUnavailable, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w: %w", s.channel, feed.ErrSourceUnavailable, err)
	}

	stream := store.NewStream(ctx, listenBuffer)
	go s.listen(stream, conn)
	return stream, nil
}

func (s *Store) listen(stream *store.Stream, conn *pgxpool.Conn) {
	ctx := stream.Context()
	defer s.releaseListener(conn)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stream.Finish(nil)
				return
			}
			s.logger.WarnContext(ctx, "change listener connection lost", "channel", s.channel, "error", err)
			stream.Finish(fmt.Errorf("wait for notification: %w: %w", sentinel.ErrUnavailable, err))
			return
		}

		raw, err := s.decodeNotification(ctx, n.Payload)
		if err != nil {
			// Ending the stream hands over to polling, which re-reads the
			// record from the last emitted marker.
			s.logger.WarnContext(ctx, "undecodable change notification", "channel", n.Channel, "error", err)
			stream.Finish(fmt.Errorf("decode %s notification: %w: %w", n.Channel, sentinel.ErrUnavailable, err))
			return
		}
		if !stream.Emit(raw) {
			stream.Finish(nil)
			return
		}
	}
}

func (s *Store) releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		// A connection still subscribed must not return to the pool.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

type notifyPayload struct {
	Op       feed.Op         `json:"op"`
	ID       string          `json:"id"`
	Version  int64           `json:"version"`
	Revision int             `json:"revision"`
	Row      json.RawMessage `json:"row"`
}

func (s *Store) decodeNotification(ctx context.Context, payload string) (feed.RawNotification, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return feed.RawNotification{}, fmt.Errorf("decode notify payload: %w", err)
	}

	sub := &models.Submission{}
	if len(p.Row) > 0 && string(p.Row) != "null" {
		if err := json.Unmarshal(p.Row, sub); err != nil {
			return feed.RawNotification{}, fmt.Errorf("decode notify row %s: %w", p.ID, err)
		}
	} else {
		// Announced by key only. The fetched row may already carry a later
		// write, which is still a valid snapshot of the record.
		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
		var err error
		if sub, err = s.Get(fetchCtx, p.ID); err != nil {
			return feed.RawNotification{}, err
		}
	}
	return feed.NewRawNotification(*sub, p.Op, feed.OriginNative)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	var (
		rec     models.Submission
		step    string
		version int64
	)
	if err := row.Scan(&rec.ID, &rec.ClientID, &step, &rec.Fields, &rec.Revision, &version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Step = models.Step(step)
	rec.Version = uint64(version)
	return &rec, nil
}

func fieldsOrEmpty(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}
