package session

// DeviceSession records one (account, device fingerprint) pair. Rows for
// displaced devices flip to inactive rather than being deleted, keeping an
// audit trail of where an account has signed in from.
type DeviceSession struct {
	ID                  string `gorm:"column:session_id;primaryKey;size:190;not null"`
	AccountID           string `gorm:"column:account_id;size:190;not null;uniqueIndex:idx_device_sessions_pair,priority:1"`
	Fingerprint         string `gorm:"column:device_fingerprint;size:64;not null;uniqueIndex:idx_device_sessions_pair,priority:2"`
	UserAgent           string `gorm:"column:user_agent;size:512"`
	AddrHash            string `gorm:"column:addr_hash;size:64"`
	Browser             string `gorm:"column:browser;size:32"`
	OS                  string `gorm:"column:os;size:32"`
	IsActive            bool   `gorm:"column:is_active;not null;default:false;index:idx_device_sessions_active"`
	LastActiveAtSeconds int64  `gorm:"column:last_active_at_s;not null;default:0"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceSession) TableName() string {
	return "device_sessions"
}

// DisplacedSessionMessage is the only session failure a viewer ever sees.
const DisplacedSessionMessage = "Your session has been terminated because you logged in from another device."

// CheckResult is the outcome of a session check.
type CheckResult struct {
	Valid       bool
	Fingerprint string
	Message     string
}
