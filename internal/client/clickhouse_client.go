package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"kiosk-auth/internal/config"
	"kiosk-auth/internal/util"
)

// ClickHouseClient is the write path for the security event archive.
// The service only ever batch-inserts and pings; there is no read API.
type ClickHouseClient struct {
	conn driver.Conn
	cfg  *config.ClickhouseConfig
	mu   sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chCfg := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{clickhouseAddr(chCfg.URL)},
		Auth: ch.Auth{
			Username: chCfg.Username,
			Password: chCfg.Password,
			Database: chCfg.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || strings.HasPrefix(chCfg.URL, "https://") {
		tlsCfg, err := clickhouseTLS(chCfg.URL)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsCfg
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse event archive connected",
		util.String("database", chCfg.Database),
		util.Bool("tls", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, cfg: &chCfg}, nil
}

func clickhouseTLS(url string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.Split(clickhouseAddr(url), ":")[0],
	}
	if caPath := util.GetEnv("CLICKHOUSE_CA_FILE", ""); caPath != "" {
		caCert, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("invalid ClickHouse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// BatchInsert writes rows through the native batch protocol.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", util.ErrorField(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

// clickhouseAddr strips the scheme and supplies the native protocol port
// when the URL omits one (8443 behind TLS endpoints, 9000 otherwise).
func clickhouseAddr(url string) string {
	addr := strings.TrimPrefix(url, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	if strings.Contains(addr, ":") {
		return addr
	}
	if strings.HasPrefix(url, "https://") {
		return addr + ":8443"
	}
	return addr + ":9000"
}
