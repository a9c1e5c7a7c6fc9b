package models

// OneTimePassword stores the bcrypt hash of an emailed passcode. The unique
// email index keeps at most one row per address; rows past their TTL are
// ignored by readers and removed by the maintenance job.
type OneTimePassword struct {
	BaseModel

	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	CodeHash string `gorm:"not null" json:"-"`
	Purpose  string `gorm:"size:16" json:"purpose"`
}
