package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/auth"
	"github.com/kiwari-pos/checkout/internal/config"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/logging"
)

type seedProduct struct {
	name      string
	price     string
	stock     int32
	threshold int32
}

type seedDiscount struct {
	code         string
	name         string
	percentage   string
	minPurchase  string
	requiresCode bool
}

var products = []seedProduct{
	{"Nasi Bakar Ayam", "25000", 40, 5},
	{"Nasi Bakar Cumi", "30000", 25, 5},
	{"Nasi Bakar Teri", "22000", 30, 5},
	{"Es Teh Manis", "6000", 100, 10},
	{"Es Jeruk", "8000", 60, 10},
}

var discounts = []seedDiscount{
	{"", "Promo Makan Siang", "5", "50000", false},
	{"HEMAT10", "Hemat 10%", "10", "75000", true},
}

func main() {
	configPath := flag.String("config", os.Getenv("CHECKOUT_CONFIG"), "optional YAML config file")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed demo tokens")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Init("seed", "", "info")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("unable to connect to database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("unable to ping database", "err", err)
		os.Exit(1)
	}

	// Seed in one transaction so a rerun never sees half a catalog.
	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Error("begin transaction", "err", err)
		os.Exit(1)
	}
	defer tx.Rollback(ctx)

	for _, p := range products {
		id, created, err := seedProductRow(ctx, tx, p)
		if err != nil {
			log.Error("seed product", "name", p.name, "err", err)
			os.Exit(1)
		}
		log.Info("product", "id", id, "name", p.name, "created", created)
	}
	for _, d := range discounts {
		id, created, err := seedDiscountRow(ctx, tx, d)
		if err != nil {
			log.Error("seed discount", "name", d.name, "err", err)
			os.Exit(1)
		}
		log.Info("discount", "id", id, "name", d.name, "created", created)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE store_settings
		SET tax_percentage = 11, is_open = true, opens_at = NULL, closes_at = NULL,
		    timezone = 'Asia/Jakarta', updated_at = now()
		WHERE id = 1`); err != nil {
		log.Error("seed store settings", "err", err)
		os.Exit(1)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error("commit", "err", err)
		os.Exit(1)
	}
	log.Info("seed completed")

	// Identities live with the upstream auth service; print tokens so the
	// API can be exercised locally.
	demo := []auth.Identity{
		{UserID: uuid.New(), Email: "owner@kiwari.id", Name: "Owner Kiwari", Role: enum.UserRoleOwner},
		{UserID: uuid.New(), Email: "kasir@kiwari.id", Name: "Kasir", Role: enum.UserRoleCashier},
		{UserID: uuid.New(), Email: "dapur@kiwari.id", Name: "Dapur", Role: enum.UserRoleKitchen},
		{UserID: uuid.New(), Email: "pelanggan@example.com", Name: "Pelanggan", Role: enum.UserRoleCustomer},
	}
	for _, id := range demo {
		tok, err := auth.GenerateToken(cfg.JWTSecret, id, *tokenTTL)
		if err != nil {
			log.Error("generate token", "role", id.Role, "err", err)
			os.Exit(1)
		}
		fmt.Printf("%-8s %-22s %s\n", id.Role, id.Email, tok)
	}
}

// seedProductRow creates the product unless one with the same name exists.
func seedProductRow(ctx context.Context, tx pgx.Tx, p seedProduct) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM products WHERE name = $1 LIMIT 1`, p.name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("check product: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO products (name, price, stock, low_stock_threshold)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		p.name, decimal.RequireFromString(p.price), p.stock, p.threshold,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert product: %w", err)
	}
	return id, true, nil
}

// seedDiscountRow creates the discount unless one with the same name exists.
func seedDiscountRow(ctx context.Context, tx pgx.Tx, d seedDiscount) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM discounts WHERE name = $1 LIMIT 1`, d.name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("check discount: %w", err)
	}

	var code *string
	if d.code != "" {
		code = &d.code
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO discounts (code, name, percentage, min_purchase, requires_code)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		code, d.name, decimal.RequireFromString(d.percentage), decimal.RequireFromString(d.minPurchase), d.requiresCode,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert discount: %w", err)
	}
	return id, true, nil
}
