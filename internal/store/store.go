// Package store reads tenant routing configuration.
package store

import (
	"context"
	"errors"

	"voip-router/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the read-only view of routing configuration used by lookups.
// Rule lists contain enabled rules only; single entities are returned even
// when disabled so callers can tell "disabled" from "missing".
type Store interface {
	TenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	InboundRules(ctx context.Context, tenantID string) ([]models.InboundRule, error)
	OutboundRules(ctx context.Context, tenantID string) ([]models.OutboundRule, error)
	TimeCondition(ctx context.Context, tenantID, id string) (*models.TimeCondition, error)
	Extension(ctx context.Context, tenantID, id string) (*models.Extension, error)
	RingGroup(ctx context.Context, tenantID, id string) (*models.RingGroup, error)
	Queue(ctx context.Context, tenantID, id string) (*models.Queue, error)
	IVRMenu(ctx context.Context, tenantID, id string) (*models.IVRMenu, error)
	ConferenceRoom(ctx context.Context, tenantID, id string) (*models.ConferenceRoom, error)
	VoicemailBox(ctx context.Context, tenantID, id string) (*models.VoicemailBox, error)
	Trunks(ctx context.Context, tenantID string, ids []string) ([]models.Trunk, error)
}
