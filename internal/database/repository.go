package database

import (
	"context"
	"errors"

	"github.com/wacall/wacall/internal/database/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("database: not found")

// CallRepository persists call records. The engine treats this as its
// record store and never touches SQL directly.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByCallID(ctx context.Context, callID string) (*models.Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*models.Call, error)
	Update(ctx context.Context, call *models.Call) error
	List(ctx context.Context, filter CallListFilter) ([]models.Call, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// CallListFilter narrows List results.
type CallListFilter struct {
	Direction      string
	Status         string
	CustomerNumber string
	Limit          int
	Offset         int
}

// PermissionRepository is the consent record surface consumed by the
// permission ledger.
type PermissionRepository interface {
	Get(ctx context.Context, customerNumber, businessNumber string) (*models.CallPermission, error)
	Create(ctx context.Context, perm *models.CallPermission) error
	Update(ctx context.Context, perm *models.CallPermission) error
	List(ctx context.Context, status string) ([]models.CallPermission, error)
	// ExpireGranted marks granted permissions whose expiry has passed as
	// expired and returns how many rows changed.
	ExpireGranted(ctx context.Context) (int64, error)
}

// NumberRepository manages registered WhatsApp business numbers.
type NumberRepository interface {
	Create(ctx context.Context, num *models.BusinessNumber) error
	GetByPhoneNumber(ctx context.Context, phoneNumber string) (*models.BusinessNumber, error)
	FirstActive(ctx context.Context) (*models.BusinessNumber, error)
	List(ctx context.Context) ([]models.BusinessNumber, error)
	Update(ctx context.Context, num *models.BusinessNumber) error
	TouchLastUsed(ctx context.Context, phoneNumber string) error
}

// AgentRepository manages agent accounts for the HTTP API.
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByUsername(ctx context.Context, username string) (*models.Agent, error)
	Count(ctx context.Context) (int64, error)
}
