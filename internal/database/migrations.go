package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/models"
)

const (
	// DefaultRoleName is assigned to accounts created on first OTP request.
	DefaultRoleName = "user"
	// AdminRoleName is seeded for operators; nothing in the login flow assigns it.
	AdminRoleName = "admin"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Role{},
		&models.User{},
		&models.TrustedDevice{},
		&models.OneTimePassword{},
		&models.FraudAudit{},
		&models.AuditLog{},
		&models.CacheEntry{},
	)
}

// SeedData populates the default roles.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			Name:        AdminRoleName,
			Description: "Operator access",
			IsSystem:    true,
		},
		{
			Name:        DefaultRoleName,
			Description: "Standard user access",
			IsSystem:    true,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{Name: role.Name}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	return nil
}
