package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vault-service/internal/bucketing"
	"vault-service/internal/client"
	"vault-service/internal/config"
	"vault-service/internal/encryption"
	"vault-service/internal/handler"
	"vault-service/internal/notify"
	redisrepo "vault-service/internal/repository/redis"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/service"
	"vault-service/internal/tls"
	"vault-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	kafkaProducer *client.KafkaProducer

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager
	notifier          *notify.Notifier

	// Repositories
	verifierRepository      scylla.VerifierRepository
	deviceKeyRepository     scylla.DeviceKeyRepository
	recoveryRepository      scylla.RecoveryRepository
	groupRepository         scylla.GroupRepository
	sessionRecordRepository scylla.SessionRecordRepository
	revocationRepository    scylla.RevocationRepository

	sessionCache   *redisrepo.UnlockSessionCache
	attemptCache   *redisrepo.DeviceAttemptCache
	rateLimitCache *redisrepo.RateLimitCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

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

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption, bucketing, and notification
func (f *Factory) initializeManagers() {
	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config, falling back to local keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg, func(o *kms.Options) {
				o.RetryMaxAttempts = 3
			})
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.notifier = notify.NewNotifier(f.kafkaProducer, f.config)

	util.Info("Managers initialized successfully",
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) VerifierRepository() scylla.VerifierRepository {
	if f.verifierRepository == nil {
		f.verifierRepository = scylla.NewVerifierRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.verifierRepository
}

func (f *Factory) DeviceKeyRepository() scylla.DeviceKeyRepository {
	if f.deviceKeyRepository == nil {
		f.deviceKeyRepository = scylla.NewDeviceKeyRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.deviceKeyRepository
}

func (f *Factory) RecoveryRepository() scylla.RecoveryRepository {
	if f.recoveryRepository == nil {
		f.recoveryRepository = scylla.NewRecoveryRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.recoveryRepository
}

func (f *Factory) GroupRepository() scylla.GroupRepository {
	if f.groupRepository == nil {
		f.groupRepository = scylla.NewGroupRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.groupRepository
}

func (f *Factory) SessionRecordRepository() scylla.SessionRecordRepository {
	if f.sessionRecordRepository == nil {
		f.sessionRecordRepository = scylla.NewSessionRecordRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.sessionRecordRepository
}

func (f *Factory) RevocationRepository() scylla.RevocationRepository {
	if f.revocationRepository == nil {
		f.revocationRepository = scylla.NewRevocationRepository(f.scyllaClient)
	}
	return f.revocationRepository
}

func (f *Factory) SessionCache() *redisrepo.UnlockSessionCache {
	if f.sessionCache == nil {
		f.sessionCache = redisrepo.NewUnlockSessionCache(f.redisClient)
	}
	return f.sessionCache
}

func (f *Factory) AttemptCache() *redisrepo.DeviceAttemptCache {
	if f.attemptCache == nil {
		f.attemptCache = redisrepo.NewDeviceAttemptCache(f.redisClient)
	}
	return f.attemptCache
}

func (f *Factory) RateLimitCache() *redisrepo.RateLimitCache {
	if f.rateLimitCache == nil {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
	}
	return f.rateLimitCache
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() (*service.ServiceFactory, error) {
	if f.serviceFactory == nil {
		sf, err := service.NewServiceFactory(
			f.VerifierRepository(),
			f.DeviceKeyRepository(),
			f.RecoveryRepository(),
			f.GroupRepository(),
			f.SessionRecordRepository(),
			f.RevocationRepository(),
			f.SessionCache(),
			f.AttemptCache(),
			f.RateLimitCache(),
			f.encryptionManager,
			f.notifier,
			f.config,
		)
		if err != nil {
			return nil, err
		}
		f.serviceFactory = sf
	}
	return f.serviceFactory, nil
}

// Handlers builds the keeper handlers for the router.
func (f *Factory) Handlers() (handler.RouterDeps, error) {
	sf, err := f.ServiceFactory()
	if err != nil {
		return handler.RouterDeps{}, err
	}
	logger := util.Get()
	return handler.RouterDeps{
		Vault:    handler.NewVaultHandler(sf.UnlockService(), sf.SessionVaultService(), logger),
		Device:   handler.NewDeviceHandler(sf.DeviceService(), logger),
		Recovery: handler.NewRecoveryHandler(sf.RecoveryService(), logger),
		Group:    handler.NewGroupHandler(sf.GroupService(), logger),
	}, nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

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

	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
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

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) Notifier() *notify.Notifier {
	return f.notifier
}
