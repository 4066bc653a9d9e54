package mysql

import "gorm.io/gorm"

// SessionDirectoryModel is the durable CompositeKey → SessionId directory
// of SPEC_FULL.md ambient item 11: it survives process restarts so a
// reconnecting counterparty always recovers the same dense SessionId the
// sequence file (internal/sequencestore) is keyed against, independently
// of the relational row's own auto-increment id, which this table reuses
// directly as the SessionId.
type SessionDirectoryModel struct {
	gorm.Model
	KeyHash      string `gorm:"column:key_hash;type:varchar(64);uniqueIndex:idx_key_host;not null"`
	HostProfile  string `gorm:"column:host_profile;type:varchar(64);uniqueIndex:idx_key_host;not null"`
	SenderCompID string `gorm:"column:sender_comp_id;type:varchar(64);not null"`
	TargetCompID string `gorm:"column:target_comp_id;type:varchar(64);not null"`
	Protocol     string `gorm:"column:protocol;type:varchar(16);not null"`
	Role         string `gorm:"column:role;type:varchar(16);not null"`
}

func (SessionDirectoryModel) TableName() string {
	return "session_directory"
}
