package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"kiosk-auth/internal/config"
	"kiosk-auth/internal/util"
)

// Schema expected by this client:
//
//	CREATE TABLE pin_credentials (
//	    credential_id   uuid PRIMARY KEY,
//	    phone_hash      text,
//	    email_hash      text,
//	    pin_hash        text,
//	    contact_cipher  blob,
//	    contact_dek     blob,
//	    contact_key_id  text,
//	    failed_attempts int,
//	    locked_until    timestamp,
//	    created_at      timestamp,
//	    updated_at      timestamp
//	);
//
//	CREATE TABLE pin_credentials_by_phone (
//	    phone_hash    text PRIMARY KEY,
//	    credential_id uuid,
//	    created_at    timestamp
//	);
//
//	CREATE TABLE pin_credentials_by_email (
//	    email_hash    text PRIMARY KEY,
//	    credential_id uuid,
//	    created_at    timestamp
//	);

// Statements holds the CQL used by the repository. Queries are built per
// call so bind values stay request-local; gocql prepares each statement on
// first execution and serves later runs from its prepared cache, bounded by
// MaxPreparedStmts.
type Statements struct {
	GetCredentialByID string
	GetIDByPhone      string
	GetIDByEmail      string
	InsertCredential  string
	ClaimPhone        string
	ClaimEmail        string
	SetPINHash        string
	RecordFailureCAS  string
	ClearFailures     string
	AdminReset        string
}

var cqlStatements = Statements{
	GetCredentialByID: `
        SELECT credential_id, phone_hash, email_hash, pin_hash,
            contact_cipher, contact_dek, contact_key_id,
            failed_attempts, locked_until, created_at, updated_at
        FROM pin_credentials WHERE credential_id = ?`,

	GetIDByPhone: `
        SELECT credential_id FROM pin_credentials_by_phone WHERE phone_hash = ?`,

	GetIDByEmail: `
        SELECT credential_id FROM pin_credentials_by_email WHERE email_hash = ?`,

	InsertCredential: `
        INSERT INTO pin_credentials (
            credential_id, phone_hash, email_hash, pin_hash,
            contact_cipher, contact_dek, contact_key_id,
            failed_attempts, locked_until, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

	// Lookup rows are claimed with LWT so two concurrent enrollments of the
	// same phone or email cannot land on different credential rows
	ClaimPhone: `
        INSERT INTO pin_credentials_by_phone (phone_hash, credential_id, created_at)
        VALUES (?, ?, ?) IF NOT EXISTS`,

	ClaimEmail: `
        INSERT INTO pin_credentials_by_email (email_hash, credential_id, created_at)
        VALUES (?, ?, ?) IF NOT EXISTS`,

	SetPINHash: `
        UPDATE pin_credentials
        SET pin_hash = ?, failed_attempts = 0, locked_until = null, updated_at = ?
        WHERE credential_id = ?`,

	RecordFailureCAS: `
        UPDATE pin_credentials
        SET failed_attempts = ?, locked_until = ?, updated_at = ?
        WHERE credential_id = ?
        IF failed_attempts = ?`,

	ClearFailures: `
        UPDATE pin_credentials
        SET failed_attempts = 0, locked_until = null, updated_at = ?
        WHERE credential_id = ?`,

	AdminReset: `
        UPDATE pin_credentials
        SET pin_hash = '', failed_attempts = 0, locked_until = null, updated_at = ?
        WHERE credential_id = ?
        IF EXISTS`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
	Stmts   Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		Stmts:   cqlStatements,
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
