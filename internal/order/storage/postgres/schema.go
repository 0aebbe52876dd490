package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Orders are stored as JSONB documents with a few extracted columns for
// indexing and the optimistic version token. Everything else is relational.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	price          BIGINT NOT NULL DEFAULT 0,
	image          TEXT NOT NULL DEFAULT '',
	stock_quantity BIGINT NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
	in_stock       BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	status              TEXT NOT NULL,
	payment_status      TEXT NOT NULL,
	checkout_request_id TEXT,
	version             BIGINT NOT NULL DEFAULT 1,
	doc                 JSONB NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS orders_correlation_idx ON orders(checkout_request_id) WHERE checkout_request_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS inventory_history (
	id             BIGSERIAL PRIMARY KEY,
	product_id     TEXT NOT NULL,
	product_name   TEXT NOT NULL,
	previous_stock BIGINT NOT NULL,
	new_stock      BIGINT NOT NULL,
	change         BIGINT NOT NULL,
	updated_by     TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	order_id       TEXT
);

CREATE TABLE IF NOT EXISTS users (
	id      TEXT PRIMARY KEY,
	role    TEXT NOT NULL DEFAULT 'customer',
	loyalty BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notifications (
	id      BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	message TEXT NOT NULL,
	date    TIMESTAMPTZ NOT NULL,
	read    BOOLEAN NOT NULL DEFAULT FALSE,
	type    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_idempotency (
	idempotency_key TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	event_id   TEXT NOT NULL UNIQUE,
	topic      TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at    TIMESTAMPTZ
);
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
