package models

import "time"

// Tenant is the isolation boundary: users and their conversations belong to
// exactly one tenant.
type Tenant struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  string `gorm:"type:varchar(26);uniqueIndex;not null" json:"tenant_id"`
	Name      string `gorm:"type:varchar(128);not null" json:"name"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Tenant) TableName() string { return "tenants" }
