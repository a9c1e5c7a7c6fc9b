package checks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/monitoring"
)

const defaultDatabaseTimeout = 2 * time.Second

// Database pings the connection pool behind db.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	if timeout <= 0 {
		timeout = defaultDatabaseTimeout
	}

	return monitoring.Check{Name: "database", Run: func(ctx context.Context) monitoring.Result {
		if db == nil {
			return monitoring.Result{Status: monitoring.StatusDown, Details: "database not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.FromError(err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return monitoring.FromError(sqlDB.PingContext(ctx))
	}}
}
