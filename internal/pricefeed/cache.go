package pricefeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"papertrade/internal/logger"
)

// CachedSource wraps a Source with a local sqlite cache of daily closes.
// Historical closes never change, so cache entries have no TTL. Only
// definite answers are cached: a missing close is re-queried next time
// because the feed may simply be lagging.
type CachedSource struct {
	inner Source
	db    *sql.DB
}

var _ Source = (*CachedSource)(nil)

// OpenCache opens or creates the cache database at path.
func OpenCache(inner Source, path string) (*CachedSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pricefeed: cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS daily_close (
		symbol TEXT NOT NULL,
		day TEXT NOT NULL,
		close TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (symbol, day)
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CachedSource{inner: inner, db: db}, nil
}

// Close closes the cache database.
func (c *CachedSource) Close() error {
	return c.db.Close()
}

func (c *CachedSource) ClosePrice(ctx context.Context, symbol string, day time.Time) (decimal.Decimal, bool, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	key := day.Format(time.DateOnly)

	var stored string
	err := c.db.QueryRowContext(ctx,
		"SELECT close FROM daily_close WHERE symbol = ? AND day = ?", sym, key).Scan(&stored)
	switch {
	case err == nil:
		price, perr := decimal.NewFromString(stored)
		if perr == nil {
			return price, true, nil
		}
		logger.Warnf("pricefeed: corrupt cache entry %s/%s, refetching", sym, key)
	case !errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, false, err
	}

	price, ok, err := c.inner.ClosePrice(ctx, sym, day)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	if _, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO daily_close (symbol, day, close, fetched_at) VALUES (?, ?, ?, ?)",
		sym, key, price.String(), time.Now().Unix()); err != nil {
		logger.Warnf("pricefeed: cache write failed for %s/%s: %v", sym, key, err)
	}
	return price, true, nil
}
