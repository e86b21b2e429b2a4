package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"finch/internal/domain/connection"
	"finch/internal/domain/oauthstate"
	domainsync "finch/internal/domain/sync"
	"finch/internal/infrastructure/crypto"
	"finch/internal/infrastructure/postgres"
	"finch/internal/infrastructure/provider"
	httphandlers "finch/internal/interfaces/http"
	"finch/internal/interfaces/scheduler"
	"finch/internal/shared/auth"
	"finch/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	BankHandler *httphandlers.BankHandler

	// Auth
	JWT *auth.JWT

	// Background sync
	Scheduler *scheduler.Scheduler

	stateStore  *oauthstate.MemoryStore
	redisClient *redis.Client
}

// NewDependencies initializes all application dependencies.
func NewDependencies(cfg *config.Config) (*Dependencies, error) {
	// Connect to database
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	// Initialize encryptor for refresh tokens at rest
	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}

	// Initialize repositories
	connectionRepo := postgres.NewConnectionRepository(db, encryptor)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)

	// Initialize provider client
	providerClient := provider.NewClient(provider.Config{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURI:  cfg.Provider.RedirectURI,
		Scopes:       cfg.Provider.Scopes,
		Sandbox:      cfg.Provider.Sandbox,
	})
	if !providerClient.Configured() {
		log.Println("Warning: bank provider credentials not set, connection flow disabled")
	}

	deps := &Dependencies{DB: db}

	// OAuth state store: redis when configured so the callback can land on
	// any instance, otherwise in-process
	var stateStore oauthstate.Store
	if cfg.Redis.Addr != "" {
		deps.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		stateStore = oauthstate.NewRedisStore(deps.redisClient, "finch")
		log.Printf("OAuth state store: redis (%s)", cfg.Redis.Addr)
	} else {
		deps.stateStore = oauthstate.NewMemoryStore()
		stateStore = deps.stateStore
		log.Println("OAuth state store: in-memory")
	}
	states := oauthstate.NewManager(stateStore, oauthstate.DefaultTTL)

	// Initialize domain services
	connectionService := connection.NewService(cfg.Provider.Name, connectionRepo, accountRepo, transactionRepo, providerClient)
	syncService := domainsync.NewService(cfg.Provider.Name, connectionService, providerClient, accountRepo, transactionRepo, db)

	// Full syncs are bounded below by the configured start date
	fullSyncOpts := domainsync.FullSyncOptions{}
	if from, err := time.Parse("2006-01-02", cfg.Scheduler.SyncStartDate); err == nil {
		fullSyncOpts.From = &from
	} else {
		log.Printf("Warning: invalid BANK_SYNC_START_DATE %q, full syncs are unbounded", cfg.Scheduler.SyncStartDate)
	}

	// Initialize scheduler (if enabled)
	if cfg.Scheduler.Enabled {
		log.Println("Initializing scheduler...")
		sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
			ScheduleTimes: cfg.Scheduler.ScheduleTimes,
			WorkerCount:   cfg.Scheduler.WorkerCount,
			JobDelay:      cfg.Scheduler.JobDelay,
			QueueSize:     cfg.Scheduler.QueueSize,
			RunOnStartup:  cfg.Scheduler.RunOnStartup,
			JobProvider:   scheduler.FullSyncJobProvider(connectionRepo, cfg.Provider.Name, syncService, fullSyncOpts),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		deps.Scheduler = sched
	} else {
		log.Println("Scheduler is disabled")
	}

	// Post-link background full sync: queue on the worker pool when the
	// scheduler runs, otherwise fire a goroutine
	background := func(userID int64) {
		job := scheduler.NewFullSyncJob(userID, syncService, fullSyncOpts)
		if deps.Scheduler != nil {
			if err := deps.Scheduler.Submit(job); err == nil {
				return
			}
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := job.Execute(ctx); err != nil {
				log.Printf("User %d: background full sync failed: %v", userID, err)
			}
		}()
	}

	// Initialize auth components
	jwt := auth.NewJWT(cfg.JWT.Secret)

	// Initialize handlers
	deps.JWT = jwt
	deps.BankHandler = httphandlers.NewBankHandler(
		providerClient, states, connectionService, syncService, accountRepo,
		cfg.Provider.Name, cfg.Frontend.BaseURL, background,
	)

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.stateStore != nil {
		d.stateStore.Close()
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			log.Printf("Error closing redis client: %v", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
