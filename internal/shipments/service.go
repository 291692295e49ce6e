package shipments

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
	"github.com/lodestar-erp/lodestar-erp/internal/rbac"
)

// RepositoryPort defines data access methods for shipments.
type RepositoryPort interface {
	Create(ctx context.Context, sh Shipment) (Shipment, error)
	Get(ctx context.Context, id int64) (Shipment, error)
	OwnerOf(ctx context.Context, id int64) (int64, error)
	List(ctx context.Context, limit, offset int) ([]Shipment, int, error)
	UpdateStatus(ctx context.Context, id int64, status ShipmentStatus) (Shipment, error)
	Delete(ctx context.Context, id int64) error
}

// Service implements shipment business rules.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs a service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RegisterOwnership installs the shipment ownership checker so access guards
// can fall back to "the owner may act" when a permission is missing.
func (s *Service) RegisterOwnership(registry *rbac.OwnershipRegistry) {
	registry.Register("shipment", rbac.OwnershipFunc(func(ctx context.Context, userID int64, resourceID string) (bool, error) {
		id, err := strconv.ParseInt(resourceID, 10, 64)
		if err != nil {
			return false, nil
		}
		ownerID, err := s.repo.OwnerOf(ctx, id)
		if err != nil {
			return false, err
		}
		return ownerID == userID, nil
	}))
}

// Create registers a new shipment owned by the requesting user.
func (s *Service) Create(ctx context.Context, ownerID int64, req CreateShipmentRequest) (Shipment, error) {
	sh := Shipment{
		Reference:   strings.TrimSpace(req.Reference),
		OwnerID:     ownerID,
		Origin:      strings.TrimSpace(req.Origin),
		Destination: strings.TrimSpace(req.Destination),
		Department:  strings.TrimSpace(req.Department),
		Status:      StatusDraft,
		Notes:       req.Notes,
	}
	created, err := s.repo.Create(ctx, sh)
	if err != nil {
		return Shipment{}, fmt.Errorf("create shipment: %w", err)
	}
	s.logger.Info("shipment created",
		slog.Int64("shipment_id", created.ID),
		slog.String("reference", created.Reference),
		slog.Int64("owner_id", ownerID))
	return created, nil
}

// Get returns a shipment by id.
func (s *Service) Get(ctx context.Context, id int64) (Shipment, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of shipments.
func (s *Service) List(ctx context.Context, limit, offset int) (ListShipmentsResponse, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return ListShipmentsResponse{}, fmt.Errorf("list shipments: %w", err)
	}
	if items == nil {
		items = []Shipment{}
	}
	return ListShipmentsResponse{Shipments: items, Total: total, Limit: limit, Offset: offset}, nil
}

// transitions maps each status to the states it may move to.
var transitions = map[ShipmentStatus][]ShipmentStatus{
	StatusDraft:     {StatusBooked, StatusCancelled},
	StatusBooked:    {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusDelivered},
	StatusDelivered: {},
	StatusCancelled: {},
}

// UpdateStatus transitions a shipment, enforcing the lifecycle state machine.
func (s *Service) UpdateStatus(ctx context.Context, id int64, next ShipmentStatus) (Shipment, error) {
	if !next.IsValid() {
		return Shipment{}, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, next)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Shipment{}, err
	}
	allowed := false
	for _, candidate := range transitions[current.Status] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return Shipment{}, fmt.Errorf("%w: cannot move shipment from %s to %s", httpx.ErrValidation, current.Status, next)
	}
	updated, err := s.repo.UpdateStatus(ctx, id, next)
	if err != nil {
		return Shipment{}, fmt.Errorf("update shipment status: %w", err)
	}
	s.logger.Info("shipment status changed",
		slog.Int64("shipment_id", id),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next)))
	return updated, nil
}

// Delete removes a shipment. Only draft and cancelled shipments can go.
func (s *Service) Delete(ctx context.Context, id int64) error {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusDraft && current.Status != StatusCancelled {
		return fmt.Errorf("%w: only draft or cancelled shipments can be deleted", httpx.ErrValidation)
	}
	return s.repo.Delete(ctx, id)
}
