package model

import "time"

// Tier is a user class with distinct quotas and endpoint-pool access.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// EndpointStatus of a broker execution endpoint.
type EndpointStatus string

const (
	EndpointActive      EndpointStatus = "ACTIVE"
	EndpointInactive    EndpointStatus = "INACTIVE"
	EndpointError       EndpointStatus = "ERROR"
	EndpointMaintenance EndpointStatus = "MAINTENANCE"
)

// Endpoint is a single execution backend instance with finite capacity.
// Endpoints are provisioned out-of-band and never deleted, only marked
// ERROR or MAINTENANCE.
type Endpoint struct {
	ID       string         `json:"id"`
	Tier     Tier           `json:"tier"`
	Capacity int            `json:"capacity"`
	Status   EndpointStatus `json:"status"`
	Address  string         `json:"address"`
	Seq      int            `json:"seq"` // allocation order within the tier
}

// AssignmentStatus lifecycle.
type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "ACTIVE"
	AssignmentReleased AssignmentStatus = "RELEASED"
	AssignmentExpired  AssignmentStatus = "EXPIRED"
)

// Assignment binds a user to an endpoint.
type Assignment struct {
	UserID     string           `json:"user_id"`
	EndpointID string           `json:"endpoint_id"`
	Tier       Tier             `json:"tier"`
	AssignedAt time.Time        `json:"assigned_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Status     AssignmentStatus `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TierStats is one row of the pool stats report.
type TierStats struct {
	Tier      Tier `json:"tier"`
	Endpoints int  `json:"endpoints"`
	Capacity  int  `json:"capacity"`
	Used      int  `json:"used"`
	Available int  `json:"available"`
}
