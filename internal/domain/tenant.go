package domain

import (
	"errors"
	"time"
)

// ErrTenantNotFound is returned by tenant lookups when no enabled tenant
// matches the requested address or fallback criteria.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is an organizational unit (e.g. a hospital) owning one inbound
// channel address. Looked up per request, never mutated here.
type Tenant struct {
	ID        string
	Name      string
	Address   string
	OrgType   string
	Enabled   bool
	CreatedAt time.Time
}
