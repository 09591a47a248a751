package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/models"
	"github.com/sirupsen/logrus"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS api_activity (
		batch_id     String,
		timestamp    DateTime64(3),
		method       LowCardinality(String),
		refs         Array(String),
		endpoints    Array(String),
		auth_source  LowCardinality(String),
		status_code  UInt16,
		error_code   LowCardinality(String),
		query_errors UInt32,
		missing      UInt32,
		attempts     UInt8,
		duration_ms  Int64,
		language     LowCardinality(String)
	) ENGINE = MergeTree()
	ORDER BY (timestamp, batch_id)
`

const insertSQL = `
	INSERT INTO api_activity (
		batch_id, timestamp, method, refs, endpoints, auth_source,
		status_code, error_code, query_errors, missing, attempts, duration_ms, language
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ClickHouseConfig holds connection settings for the activity store
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore writes batch activity rows to ClickHouse
type ClickHouseStore struct {
	conn   driver.Conn
	logger *logrus.Logger
}

// NewClickHouseStore connects, pings, and makes sure the table exists
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig, logger *logrus.Logger) (*ClickHouseStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create activity table: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("connected to ClickHouse")

	return &ClickHouseStore{conn: conn, logger: logger}, nil
}

func (c *ClickHouseStore) Record(ctx context.Context, a *models.Activity) error {
	err := c.conn.Exec(ctx, insertSQL,
		a.BatchID,
		a.Timestamp,
		a.Method,
		a.Refs,
		a.Endpoints,
		a.AuthSource,
		uint16(a.StatusCode),
		a.ErrorCode,
		uint32(a.QueryErrors),
		uint32(a.Missing),
		uint8(a.Attempts),
		a.DurationMs,
		a.Language,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (c *ClickHouseStore) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseStore) Close() error {
	return c.conn.Close()
}
