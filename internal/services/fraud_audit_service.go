package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/security"
	"github.com/charlesng35/otpguard/pkg/metrics"
)

// FraudAuditEntry is one risk assessment to persist.
type FraudAuditEntry struct {
	UserID     string
	IPAddress  string
	DeviceID   string
	UserAgent  string
	Location   *geo.Location
	Assessment security.Assessment
}

// FraudAuditService appends risk assessments. Records are never updated or
// deleted through this service.
type FraudAuditService struct {
	db  *gorm.DB
	now func() time.Time
}

// FraudAuditOption customises a FraudAuditService.
type FraudAuditOption func(*FraudAuditService)

func WithFraudClock(now func() time.Time) FraudAuditOption {
	return func(s *FraudAuditService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFraudAuditService constructs the service.
func NewFraudAuditService(db *gorm.DB, opts ...FraudAuditOption) (*FraudAuditService, error) {
	if db == nil {
		return nil, errors.New("fraud audit service: db is required")
	}
	svc := &FraudAuditService{db: db, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Record appends an assessment.
func (s *FraudAuditService) Record(ctx context.Context, entry FraudAuditEntry) (*models.FraudAudit, error) {
	ctx = ensureContext(ctx)
	if entry.UserID == "" {
		return nil, errors.New("fraud audit service: user id is required")
	}

	reasons := entry.Assessment.Reasons
	if reasons == nil {
		reasons = []security.Reason{}
	}
	encodedReasons, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("fraud audit service: marshal reasons: %w", err)
	}

	record := &models.FraudAudit{
		UserID:    entry.UserID,
		IPAddress: entry.IPAddress,
		DeviceID:  entry.DeviceID,
		UserAgent: entry.UserAgent,
		RiskScore: entry.Assessment.Score,
		RiskLevel: string(entry.Assessment.Level),
		Reasons:   encodedReasons,
		CreatedAt: s.now().UTC(),
	}
	if entry.Location != nil {
		encodedLocation, err := json.Marshal(entry.Location)
		if err != nil {
			return nil, fmt.Errorf("fraud audit service: marshal location: %w", err)
		}
		record.Location = encodedLocation
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("fraud audit service: create: %w", err)
	}

	metrics.RiskLevels.WithLabelValues(record.RiskLevel).Inc()
	return record, nil
}

// ListForUser returns the most recent assessments for userID, newest first.
func (s *FraudAuditService) ListForUser(ctx context.Context, userID string, limit int) ([]models.FraudAudit, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var records []models.FraudAudit
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("fraud audit service: list: %w", err)
	}
	return records, nil
}
