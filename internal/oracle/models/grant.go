package models

import (
	"time"

	id "carbonledger/pkg/domain"
)

// Grant records that Identity may verify credits. Grants are never revoked.
// GrantedBy is the null identity for the initializing oracle.
type Grant struct {
	Identity  id.Address `json:"identity"`
	GrantedBy id.Address `json:"granted_by,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
}

// IsInitializer reports whether g is the grant created at system start.
func (g *Grant) IsInitializer() bool {
	return g.GrantedBy.IsNil()
}
