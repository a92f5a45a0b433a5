package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"kiosk-auth/internal/audit"
	"kiosk-auth/internal/bucketing"
	"kiosk-auth/internal/client"
	"kiosk-auth/internal/config"
	"kiosk-auth/internal/encryption"
	"kiosk-auth/internal/hashing"
	"kiosk-auth/internal/ratelimit"
	"kiosk-auth/internal/repository/scylla"
	"kiosk-auth/internal/service"
	"kiosk-auth/internal/session"
	"kiosk-auth/internal/tls"
	"kiosk-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// In-memory state, injected rather than global so tests can build
	// isolated instances
	sessionStore *session.Store
	rateLimiter  *ratelimit.Limiter

	auditRecorder        *audit.Recorder
	credentialRepository scylla.CredentialRepository
	serviceFactory       *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeState()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// ScyllaDB is the only hard dependency
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB connected and healthy")
		}
	}

	// Kafka is optional; audit events fall back to the log
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// ClickHouse is optional for the same reason
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				util.Warn("ClickHouse health check failed", util.ErrorField(err))
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("required backends failed to initialize: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config - falling back to local encryption keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	var publisher audit.EventPublisher
	if f.kafkaProducer != nil {
		publisher = f.kafkaProducer
	}
	var archive audit.EventArchiver
	if f.clickhouseClient != nil {
		archive = f.clickhouseClient
	}
	f.auditRecorder = audit.NewRecorder(f.config, publisher, archive, f.bucketingManager)
}

// initializeState builds the process-local session store and rate limiter
// and starts the session reaper
func (f *Factory) initializeState() {
	f.sessionStore = session.NewStore(f.config.Session.TTL)
	f.sessionStore.StartReaper(f.config.Session.ReaperInterval)

	f.rateLimiter = ratelimit.NewLimiter(
		f.config.RateLimit.Window,
		f.config.RateLimit.MaxAttempts,
		f.config.RateLimit.Shards,
	)

	util.Info("In-memory state initialized",
		util.Duration("session_ttl", f.config.Session.TTL),
		util.Duration("reaper_interval", f.config.Session.ReaperInterval),
		util.Duration("rate_window", f.config.RateLimit.Window),
		util.Int("rate_max_attempts", f.config.RateLimit.MaxAttempts),
	)
}

func (f *Factory) CredentialRepository() scylla.CredentialRepository {
	if f.credentialRepository == nil {
		f.credentialRepository = scylla.NewCredentialRepository(
			f.ScyllaClient(),
			f.EncryptionManager(),
			util.Get(),
		)
	}
	return f.credentialRepository
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.CredentialRepository(),
			f.Hasher(),
			f.SessionStore(),
			f.RateLimiter(),
			f.auditRecorder,
			util.Get(),
		)
	}
	return f.serviceFactory
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.sessionStore == nil {
		healthErrors["sessions"] = fmt.Errorf("session store not initialized")
	}
	if f.rateLimiter == nil {
		healthErrors["rate_limiter"] = fmt.Errorf("rate limiter not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Audit sinks are best effort and never gate readiness
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Closing service resources")

		if f.sessionStore != nil {
			f.sessionStore.Close()
			util.Info("Session store closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		util.Sync()
		util.Info("Service resources released")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}

func (f *Factory) SessionStore() *session.Store {
	return f.sessionStore
}

func (f *Factory) RateLimiter() *ratelimit.Limiter {
	return f.rateLimiter
}

func (f *Factory) AuditRecorder() *audit.Recorder {
	return f.auditRecorder
}
