package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/api"
	"github.com/charlesng35/otpguard/internal/app"
	"github.com/charlesng35/otpguard/internal/app/maintenance"
	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/auth/mfa"
	"github.com/charlesng35/otpguard/internal/cache"
	"github.com/charlesng35/otpguard/internal/database"
	"github.com/charlesng35/otpguard/internal/middleware"
	"github.com/charlesng35/otpguard/internal/monitoring"
	"github.com/charlesng35/otpguard/internal/security"
	"github.com/charlesng35/otpguard/internal/services"
	"github.com/charlesng35/otpguard/pkg/logger"
	"github.com/charlesng35/otpguard/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	GeoClose io.Closer
	Auth     *services.AuthService
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime opens the database and wires the login pipeline behind the HTTP router.
func bootstrapRuntime(_ context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	var err error
	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	store := cache.NewDatabaseStore(stack.DB)

	tokens, err := iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	totpOpts, err := cfg.Auth.TOTPOptions()
	if err != nil {
		return nil, err
	}
	totp := mfa.New(totpOpts...)

	dir, err := services.NewDirectory(stack.DB, cfg.Auth.DirectoryOptions()...)
	if err != nil {
		return nil, fmt.Errorf("initialise directory: %w", err)
	}

	mailer, err := buildMailer(cfg)
	if err != nil {
		return nil, err
	}

	otpSvc, err := services.NewOTPService(stack.DB, dir, mailer, tokens, cfg.Auth.OTPServiceConfig(cfg.Email.SMTP.From))
	if err != nil {
		return nil, fmt.Errorf("initialise otp service: %w", err)
	}

	mfaSvc, err := services.NewMFAService(dir, totp,
		services.WithReplayCache(store),
		services.WithMFAMaxAttempts(otpSvc.Config().MaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise mfa service: %w", err)
	}

	fraudSvc, err := services.NewFraudAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise fraud audit service: %w", err)
	}

	auditSvc, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	resolver, closer, err := cfg.Geo.BuildResolver()
	if err != nil {
		return nil, fmt.Errorf("initialise geo resolver: %w", err)
	}
	stack.GeoClose = closer

	zone, err := cfg.Geo.FallbackZone()
	if err != nil {
		return nil, err
	}

	stack.Auth, err = services.NewAuthService(services.AuthDeps{
		Directory:  dir,
		OTP:        otpSvc,
		MFA:        mfaSvc,
		Risk:       security.NewEngine(security.WithFallbackZone(zone)),
		Geo:        resolver,
		FraudAudit: fraudSvc,
		Activity:   auditSvc,
		Tokens:     tokens,
	}, services.WithChallengeTTL(cfg.Auth.ChallengeTTL()), services.WithGeoTimeout(cfg.Geo.Timeout))
	if err != nil {
		return nil, fmt.Errorf("initialise auth service: %w", err)
	}

	var jobs *monitoring.JobTracker
	if cfg.Maintenance.Enabled {
		jobs = monitoring.NewJobTracker()
		stack.Cleaner = maintenance.NewCleaner(otpSvc,
			maintenance.WithTracker(jobs),
			maintenance.WithCache(store),
			maintenance.WithAudit(auditSvc, cfg.Maintenance.AuditRetentionDays),
			maintenance.WithSchedules(cfg.Maintenance.OTPPurgeSchedule, cfg.Maintenance.CachePurgeSchedule, cfg.Maintenance.AuditSchedule),
		)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(api.RouterDeps{
		DB:        stack.DB,
		Config:    cfg,
		Tokens:    tokens,
		Auth:      stack.Auth,
		RateStore: middleware.NewDatabaseRateStore(store),
		Jobs:      jobs,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	log.Info("login pipeline ready",
		zap.String("geo_provider", cfg.Geo.Provider),
		zap.String("fallback_zone", zone.String()),
		zap.Bool("smtp", cfg.Email.SMTP.Enabled),
	)

	success = true
	return stack, nil
}

// Shutdown stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		if stopCtx := s.Cleaner.Stop(); stopCtx != nil {
			<-stopCtx.Done()
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
		s.Cleaner = nil
	}

	if s.GeoClose != nil {
		if err := s.GeoClose.Close(); err != nil {
			log.Warn("geo database close", zap.Error(err))
		}
		s.GeoClose = nil
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
		s.DB = nil
	}
}

func buildMailer(cfg *app.Config) (mail.Mailer, error) {
	if !cfg.Email.SMTP.Enabled {
		return mail.NewLogMailer(logger.WithModule("mail")), nil
	}
	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise smtp mailer: %w", err)
	}
	return mailer, nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:         strings.TrimSpace(cfg.Database.Path),
		DSN:          strings.TrimSpace(cfg.Database.DSN),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		auth = cfg.Database.MySQL
	default:
		// unsupported drivers surface from database.Open
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
	return dbCfg
}
