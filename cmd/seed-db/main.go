// Command seed-db provisions a demo organization with members, a group,
// webshop products, capacity counters, and an API key, so a fresh database
// can serve checkouts immediately.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/settle/internal/handler"
	"github.com/xenking/settle/internal/storage/postgres"
)

// Fixed ids make reseeding idempotent and give integration tests stable
// references.
var (
	orgID     = uuid.MustParse("6d0e5da1-06c9-4a28-9c04-3b1f1b7cfcd1")
	demoOrgID = uuid.MustParse("0b4b6d09-3df0-4b0a-8c5d-4e0d1cb5a111")
	memberID  = uuid.MustParse("5f7f3f08-50b2-4f9e-9a37-2c11f74cfa42")
	groupID   = uuid.MustParse("26bfb26a-6f4c-4f19-9be0-5f1d07a9cbb5")
	bundleID  = uuid.MustParse("e0dd93e8-0b9e-4b0b-91fd-3c7bbf3ff522")
	productID = uuid.MustParse("a1a9ffdc-1f5e-4c76-8f95-07ab08c9b9a3")
	optionID  = uuid.MustParse("bd2a2c2b-54cb-4f00-ae8a-43fcb7f8bd19")
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or SETTLE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SETTLE_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("SETTLE_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or SETTLE_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("SETTLE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedOrganizations(ctx, pool); err != nil {
		return errors.Wrap(err, "seed organizations")
	}
	if err := seedCatalog(ctx, pool); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func seedOrganizations(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding organizations and members")

	if _, err := pool.Exec(ctx,
		`INSERT INTO organizations (id, name, demo) VALUES
			($1, 'Acme Sports Club', FALSE),
			($2, 'Demo Club', TRUE)
		ON CONFLICT (id) DO NOTHING`,
		orgID, demoOrgID,
	); err != nil {
		return errors.Wrap(err, "upsert organizations")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO members (id, organization_id, name) VALUES ($1, $2, 'Alex Janssen')
		ON CONFLICT (id) DO NOTHING`,
		memberID, orgID,
	); err != nil {
		return errors.Wrap(err, "upsert member")
	}
	return nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding group, product, and capacity counters")

	if _, err := pool.Exec(ctx,
		`INSERT INTO groups (id, organization_id, name, price_cents, cycle)
		VALUES ($1, $2, 'Monday Evening Training', 15000, 2026)
		ON CONFLICT (id) DO NOTHING`,
		groupID, orgID,
	); err != nil {
		return errors.Wrap(err, "upsert group")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO bundle_rules (id, group_id, description, percentages)
		VALUES ($1, $2, 'Family discount', ARRAY[10, 20]::numeric[])
		ON CONFLICT (id) DO NOTHING`,
		bundleID, groupID,
	); err != nil {
		return errors.Wrap(err, "upsert bundle rule")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO products (id, organization_id, name, price_cents)
		VALUES ($1, $2, 'Club Shirt', 2500)
		ON CONFLICT (id) DO NOTHING`,
		productID, orgID,
	); err != nil {
		return errors.Wrap(err, "upsert product")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO product_options (id, product_id, name, price_cents, max_per_order)
		VALUES ($1, $2, 'Name Print', 500, 2)
		ON CONFLICT (id) DO NOTHING`,
		optionID, productID,
	); err != nil {
		return errors.Wrap(err, "upsert product option")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO capacity_resources (id, kind, max_capacity) VALUES
			($1, 'group', 20),
			($2, 'product', 100),
			($3, 'option', 50)
		ON CONFLICT (id) DO NOTHING`,
		groupID, productID, optionID,
	); err != nil {
		return errors.Wrap(err, "upsert capacity resources")
	}
	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding API key")

	keyHash := handler.HashKey([]byte(pepper), apiKey)
	if _, err := pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, organization_id, member_id, name)
		VALUES ($1, $2, $3, 'Default test key')
		ON CONFLICT (key_hash) DO NOTHING`,
		keyHash, orgID, memberID,
	); err != nil {
		return errors.Wrap(err, "upsert api key")
	}

	slog.Info("upserted API key", slog.String("name", "Default test key"))
	return nil
}
