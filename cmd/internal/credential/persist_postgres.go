package credential

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersister keeps one pair per client profile in
// <schema>.client_credentials.
//
// Ownership model:
// - PostgresPersister does NOT own the pgx pool. The caller must close the pool.
//
// Expected table:
//
//	CREATE TABLE <schema>.client_credentials (
//	  profile       TEXT PRIMARY KEY,
//	  access_token  TEXT NOT NULL,
//	  refresh_token TEXT NOT NULL,
//	  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresPersister struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
}

// PostgresOption configures PostgresPersister behavior.
type PostgresOption func(*PostgresPersister) error

// WithSchema sets the DB schema (default: "bankline").
func WithSchema(schema string) PostgresOption {
	return func(p *PostgresPersister) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("credential: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("credential: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgresPersister constructs a persister for one client profile.
func NewPostgresPersister(pool *pgxpool.Pool, profile string, opts ...PostgresOption) (*PostgresPersister, error) {
	p := &PostgresPersister{
		pool:    pool,
		schema:  "bankline",
		profile: strings.TrimSpace(profile),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("credential: nil pool")
	}
	if p.profile == "" {
		return nil, errors.New("credential: empty profile")
	}
	return p, nil
}

func (p *PostgresPersister) table() string {
	// pgx.Identifier quotes identifiers safely.
	return pgx.Identifier{p.schema, "client_credentials"}.Sanitize()
}

// EnsureSchema creates the schema and table when missing.
func (p *PostgresPersister) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table()+` (
  profile       TEXT PRIMARY KEY,
  access_token  TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

// Load returns the stored pair for the profile.
func (p *PostgresPersister) Load(ctx context.Context) (Pair, error) {
	var out Pair
	err := p.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token FROM `+p.table()+` WHERE profile = $1`,
		p.profile,
	).Scan(&out.Access, &out.Refresh)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, err
	}
	return out, nil
}

// Save upserts both credentials in one statement.
func (p *PostgresPersister) Save(ctx context.Context, pair Pair) error {
	if !pair.Valid() {
		return ErrInconsistentPair
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table()+` (profile, access_token, refresh_token, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (profile) DO UPDATE
		   SET access_token = EXCLUDED.access_token,
		       refresh_token = EXCLUDED.refresh_token,
		       updated_at = now()`,
		p.profile, pair.Access, pair.Refresh,
	)
	return err
}

// Clear deletes the profile row.
func (p *PostgresPersister) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table()+` WHERE profile = $1`, p.profile)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
