package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/pkg/protocol"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		login       TEXT PRIMARY KEY,
		client_id   BIGINT NOT NULL UNIQUE,
		secret_hash TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		room_id    BIGINT NOT NULL,
		login      TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_room_id_idx ON messages (room_id, id)`,
}

// Postgres stores accounts and messages in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	cost int
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, cost: bcrypt.DefaultCost}
}

// SetHashCost sets the bcrypt cost used for new accounts.
func (p *Postgres) SetHashCost(cost int) {
	p.cost = cost
}

// Migrate creates the tables when they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) ResolveIdentity(ctx context.Context, login, secret string) (int64, error) {
	var (
		clientID int64
		hash     string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT client_id, secret_hash FROM accounts WHERE login = $1`, login,
	).Scan(&clientID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.NoIdentity, nil
	}
	if err != nil {
		return protocol.NoIdentity, errors.Wrap(err, "select account")
	}

	match, err := secretMatches(hash, secret)
	if err != nil || !match {
		return protocol.NoIdentity, err
	}
	return clientID, nil
}

func (p *Postgres) LookupLoginID(ctx context.Context, login string) (int64, error) {
	var clientID int64
	err := p.pool.QueryRow(ctx, `SELECT client_id FROM accounts WHERE login = $1`, login).Scan(&clientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.NoIdentity, nil
	}
	if err != nil {
		return protocol.NoIdentity, errors.Wrap(err, "select login")
	}
	return clientID, nil
}

func (p *Postgres) CreateAccount(ctx context.Context, login string, clientID int64, secret string) error {
	hash, err := hashSecret(secret, p.cost)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO accounts (login, client_id, secret_hash) VALUES ($1, $2, $3)`,
		login, clientID, hash)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "accounts_pkey" {
			return errors.Wrap(ErrDuplicateLogin, login)
		}
		return errors.Wrapf(ErrDuplicateID, "%d", clientID)
	}
	return errors.Wrap(err, "insert account")
}

func (p *Postgres) LogMessage(ctx context.Context, msg protocol.Text) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (room_id, login, body) VALUES ($1, $2, $3)`,
		msg.RoomID, msg.Login, msg.Text)
	return errors.Wrap(err, "insert message")
}

func (p *Postgres) Recent(ctx context.Context, roomID int64, n int) ([]protocol.Text, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT login, body FROM (
			SELECT id, login, body FROM messages WHERE room_id = $1 ORDER BY id DESC LIMIT $2
		) latest ORDER BY id`,
		roomID, n)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var out []protocol.Text
	for rows.Next() {
		msg := protocol.Text{RoomID: roomID}
		if err := rows.Scan(&msg.Login, &msg.Text); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "read messages")
}
