package models

import "time"

// User is the durable identity record. Accounts are created on first OTP
// request and carry no password.
type User struct {
	BaseModel

	Username string  `gorm:"uniqueIndex;not null" json:"username"`
	Email    string  `gorm:"uniqueIndex;not null" json:"email"`
	RoleID   *string `gorm:"type:uuid;index" json:"role_id"`
	Role     *Role   `gorm:"foreignKey:RoleID" json:"role,omitempty"`
	IsActive bool    `gorm:"default:true" json:"is_active"`

	MFAEnabled    bool       `gorm:"default:false" json:"mfa_enabled"`
	MFASecret     string     `json:"-"`
	MFAEnrolledAt *time.Time `json:"mfa_enrolled_at"`

	TrustedDevices []TrustedDevice `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`

	LoginAttempt       int        `gorm:"not null;default:0" json:"-"`
	LastLoginAttemptAt *time.Time `json:"-"`

	LastLoginAt      *time.Time `json:"last_login_at"`
	LastLoginIP      string     `json:"last_login_ip"`
	LastLoginCountry string     `json:"last_login_country"`
	LastLoginCity    string     `json:"last_login_city"`
	LastLoginLat     *float64   `json:"-"`
	LastLoginLon     *float64   `json:"-"`

	MFAChallengeID        *string    `gorm:"size:64;index" json:"-"`
	MFAChallengeExpiresAt *time.Time `json:"-"`
}

// HasLastLocation reports whether coordinates from a previous login are stored.
func (u *User) HasLastLocation() bool {
	return u.LastLoginLat != nil && u.LastLoginLon != nil
}

// DeviceIDs returns the trusted device identifiers loaded on the user.
func (u *User) DeviceIDs() []string {
	ids := make([]string, 0, len(u.TrustedDevices))
	for _, d := range u.TrustedDevices {
		ids = append(ids, d.DeviceID)
	}
	return ids
}

// ChallengeMatches reports whether id is the user's live MFA challenge at now.
func (u *User) ChallengeMatches(id string, now time.Time) bool {
	if id == "" || u.MFAChallengeID == nil || *u.MFAChallengeID != id {
		return false
	}
	return u.MFAChallengeExpiresAt != nil && now.Before(*u.MFAChallengeExpiresAt)
}

// TrustedDevice is a device that completed MFA for a user.
type TrustedDevice struct {
	BaseModel

	UserID     string    `gorm:"type:uuid;not null;uniqueIndex:idx_trusted_device_user_device" json:"user_id"`
	DeviceID   string    `gorm:"size:128;not null;uniqueIndex:idx_trusted_device_user_device" json:"device_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
