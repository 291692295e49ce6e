package shipments

import "time"

// ShipmentStatus represents the lifecycle of a shipment.
type ShipmentStatus string

const (
	StatusDraft     ShipmentStatus = "DRAFT"
	StatusBooked    ShipmentStatus = "BOOKED"
	StatusInTransit ShipmentStatus = "IN_TRANSIT"
	StatusDelivered ShipmentStatus = "DELIVERED"
	StatusCancelled ShipmentStatus = "CANCELLED"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s ShipmentStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusBooked, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Shipment represents goods moving between two locations. OwnerID is the user
// who registered the shipment and is allowed to view it without an explicit
// read grant.
type Shipment struct {
	ID          int64          `json:"id"`
	Reference   string         `json:"reference"`
	OwnerID     int64          `json:"owner_id"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	Department  string         `json:"department"`
	Status      ShipmentStatus `json:"status"`
	Notes       *string        `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateShipmentRequest carries the payload for registering a shipment.
type CreateShipmentRequest struct {
	Reference   string  `json:"reference" validate:"required,min=3,max=64"`
	Origin      string  `json:"origin" validate:"required,max=200"`
	Destination string  `json:"destination" validate:"required,max=200"`
	Department  string  `json:"department" validate:"required,max=100"`
	Notes       *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// UpdateStatusRequest transitions a shipment to a new lifecycle state.
type UpdateStatusRequest struct {
	Status ShipmentStatus `json:"status" validate:"required"`
}

// ListShipmentsResponse is the paged list payload.
type ListShipmentsResponse struct {
	Shipments []Shipment `json:"shipments"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}
