package postgres

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"magiclink/internal/config"
	"magiclink/internal/models"
	"magiclink/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.Config) (*PostgresRepo, error) {
	return NewFromDSN(ctx, dsn(cfg))
}

func NewFromDSN(ctx context.Context, dsn string) (*PostgresRepo, error) {
	const op = "storage.postgres.New"

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse config: %w", op, err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create pool: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: failed to ping database: %w", op, err)
	}

	return &PostgresRepo{pool: pool}, nil
}

// * Migrate creates the tables if they do not exist yet.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	const op = "storage.postgres.Migrate"

	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *PostgresRepo) SaveUser(ctx context.Context, email string, fields models.SignupFields) (models.User, error) {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users (email, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, username, first_name, last_name, created_at;
	`

	var u models.User

	err := r.pool.QueryRow(ctx, query, email, fields.Username, fields.FirstName, fields.LastName).Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.FirstName,
		&u.LastName,
		&u.CreatedAt,
		&u.LastLoginAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, storage.ErrUserExists
		}

		return models.User{}, wrap(op, err)
	}

	return u, nil
}

// * UserByEmail looks a user up by exact email, or case-insensitively when foldCase is set.
func (r *PostgresRepo) UserByEmail(ctx context.Context, email string, foldCase bool) (models.User, error) {
	const op = "storage.postgres.UserByEmail"

	query := `
		SELECT id, email, username, first_name, last_name, created_at
		FROM users
		WHERE email = $1;
	`
	if foldCase {
		query = `
			SELECT id, email, username, first_name, last_name, created_at, last_login_at
			FROM users
			WHERE lower(email) = lower($1)
			ORDER BY id
			LIMIT 1;
		`
	}

	var u models.User

	err := r.pool.QueryRow(ctx, query, email).Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.FirstName,
		&u.LastName,
		&u.CreatedAt,
		&u.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, wrap(op, err)
	}

	return u, nil
}

// * RecordLogin stores the time of the user's latest successful verification.
func (r *PostgresRepo) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	const op = "storage.postgres.RecordLogin"

	tag, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1;`, id, at)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

// * SaveMagicLink counts the email's links and inserts the new one inside a single transaction.
// Concurrent issuances for the same email serialize on a transaction-scoped advisory lock.
func (r *PostgresRepo) SaveMagicLink(ctx context.Context, link models.MagicLink, limit storage.Limit) error {
	const op = "storage.postgres.SaveMagicLink"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer tx.Rollback(ctx)

	if limit.Max > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(lower($1)))`, link.Email); err != nil {
			return wrap(op, err)
		}

		var count int

		if limit.Window > 0 {
			err = tx.QueryRow(ctx, `
				SELECT COUNT(*)
				FROM magic_links
				WHERE lower(email) = lower($1) AND created_at > $2;
			`, link.Email, limit.Now.Add(-limit.Window)).Scan(&count)
		} else {
			err = tx.QueryRow(ctx, `
				SELECT COUNT(*)
				FROM magic_links
				WHERE lower(email) = lower($1) AND times_used < $2 AND expiry >= $3;
			`, link.Email, limit.AllowedUses, limit.Now).Scan(&count)
		}
		if err != nil {
			return wrap(op, err)
		}

		if count >= limit.Max {
			return storage.ErrRateLimited
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO magic_links (id, email, token_hash, cookie_value, ip_address, redirect_url, created_at, expiry, times_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0);
	`,
		link.ID,
		link.Email,
		hashToken(link.Token),
		link.CookieValue,
		link.IPAddress,
		link.RedirectURL,
		link.CreatedAt,
		link.Expiry,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrMagicLinkExists
		}

		return wrap(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrap(op, err)
	}

	return nil
}

// * MagicLinkByToken looks a link up by the hash of token. Only the hash is stored.
func (r *PostgresRepo) MagicLinkByToken(ctx context.Context, token string) (models.MagicLink, error) {
	const op = "storage.postgres.MagicLinkByToken"

	query := `
		SELECT id, email, cookie_value, ip_address, redirect_url, created_at, expiry, times_used
		FROM magic_links
		WHERE token_hash = $1;
	`

	ml := models.MagicLink{Token: token}

	err := r.pool.QueryRow(ctx, query, hashToken(token)).Scan(
		&ml.ID,
		&ml.Email,
		&ml.CookieValue,
		&ml.IPAddress,
		&ml.RedirectURL,
		&ml.CreatedAt,
		&ml.Expiry,
		&ml.TimesUsed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MagicLink{}, storage.ErrMagicLinkNotFound
		}

		return models.MagicLink{}, wrap(op, err)
	}

	return ml, nil
}

// * TryConsume spends one use if the link is below its allowed uses and not expired at c.Now.
// With c.BindIP set it also binds an unbound link to that address, or requires the bound one to match.
// It reports false when the link could not be consumed.
func (r *PostgresRepo) TryConsume(ctx context.Context, id string, c storage.Consume) (bool, error) {
	const op = "storage.postgres.TryConsume"

	tag, err := r.pool.Exec(ctx, `
		UPDATE magic_links
		SET times_used = times_used + 1,
			ip_address = CASE WHEN $4::text = '' THEN ip_address ELSE COALESCE(ip_address, $4::text) END
		WHERE id = $1
			AND times_used < $2
			AND expiry >= $3
			AND ($4::text = '' OR ip_address IS NULL OR ip_address = $4::text);
	`, id, c.AllowedUses, c.Now, c.BindIP)
	if err != nil {
		return false, wrap(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

// * DeleteMagicLink removes a link whose delivery failed.
func (r *PostgresRepo) DeleteMagicLink(ctx context.Context, id string) error {
	const op = "storage.postgres.DeleteMagicLink"

	if _, err := r.pool.Exec(ctx, `DELETE FROM magic_links WHERE id = $1;`, id); err != nil {
		return wrap(op, err)
	}

	return nil
}

// * DeleteStaleMagicLinks removes expired and used up links.
func (r *PostgresRepo) DeleteStaleMagicLinks(ctx context.Context, before time.Time, allowedUses int) (int64, error) {
	const op = "storage.postgres.DeleteStaleMagicLinks"

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM magic_links
		WHERE expiry < $1 OR times_used >= $2;
	`, before, allowedUses)
	if err != nil {
		return 0, wrap(op, err)
	}

	return tag.RowsAffected(), nil
}

func (r *PostgresRepo) Close() {
	r.pool.Close()
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// wrap tags timeouts with storage.ErrTimeout so callers can tell them apart from failures.
func wrap(op string, err error) error {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// * dsn builds the connection string from config.
func dsn(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s",
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
	)
}
