package service

import (
	"go.uber.org/zap"

	"kiosk-auth/internal/audit"
	"kiosk-auth/internal/config"
	"kiosk-auth/internal/hashing"
	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/ratelimit"
	"kiosk-auth/internal/repository/scylla"
	"kiosk-auth/internal/session"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg        *config.Config
	repo       scylla.CredentialRepository
	hasher     *hashing.Hasher
	sessions   *session.Store
	limiter    *ratelimit.Limiter
	recorder   *audit.Recorder
	logger     *zap.Logger
	pinService *PinService
}

func NewServiceFactory(
	cfg *config.Config,
	repo scylla.CredentialRepository,
	hasher *hashing.Hasher,
	sessions *session.Store,
	limiter *ratelimit.Limiter,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		repo:     repo,
		hasher:   hasher,
		sessions: sessions,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}
}

// PinService returns the PIN service instance (singleton)
func (f *ServiceFactory) PinService() *PinService {
	if f.pinService == nil {
		policy := lockout.Policy{
			MaxAttempts:     f.cfg.PIN.MaxAttempts,
			LockoutDuration: f.cfg.PIN.LockoutDuration,
		}
		f.pinService = NewPinService(
			f.repo,
			f.hasher,
			f.sessions,
			f.limiter,
			policy,
			f.recorder,
			f.cfg.Admin.ResetKey,
		)
	}
	return f.pinService
}
