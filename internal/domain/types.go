package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrParcelNotFound = errors.New("parcel not found")

type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Rank orders urgencies for dequeueing: lower ranks leave the queue first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 0
	case UrgencyMedium:
		return 1
	default:
		return 2
	}
}

func (u Urgency) Valid() bool {
	return u == UrgencyHigh || u == UrgencyMedium || u == UrgencyLow
}

func ParseUrgency(raw string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", raw)
	}
	return u, nil
}

type ParcelStatus string

const (
	ParcelStatusPending   ParcelStatus = "PENDING"
	ParcelStatusAssigned  ParcelStatus = "ASSIGNED"
	ParcelStatusInTransit ParcelStatus = "IN_TRANSIT"
	ParcelStatusDelivered ParcelStatus = "DELIVERED"
	ParcelStatusFailed    ParcelStatus = "FAILED"
)

// Rank is the forward order of the parcel lifecycle. A status update with a
// lower or equal rank than the stored one is stale.
func (s ParcelStatus) Rank() int {
	switch s {
	case ParcelStatusPending:
		return 0
	case ParcelStatusAssigned:
		return 1
	case ParcelStatusInTransit:
		return 2
	case ParcelStatusDelivered, ParcelStatusFailed:
		return 3
	default:
		return -1
	}
}

func (s ParcelStatus) Valid() bool {
	return s.Rank() >= 0
}

func (s ParcelStatus) IsFinal() bool {
	return s == ParcelStatusDelivered || s == ParcelStatusFailed
}

type Performative string

const (
	PerformativeRequest Performative = "request"
	PerformativeInform  Performative = "inform"
	PerformativeQuery   Performative = "query"
	PerformativeUpdate  Performative = "update"
)

type MessageType string

const (
	MessageTypeParcelCreation      MessageType = "parcel_creation"
	MessageTypeRouteRequest        MessageType = "route_request"
	MessageTypeRouteResponse       MessageType = "route_response"
	MessageTypeBestCourierRequest  MessageType = "best_courier_request"
	MessageTypeBestCourierResponse MessageType = "best_courier_response"
	MessageTypeParcelAssignment    MessageType = "parcel_assignment"
	MessageTypeDeliveryReport      MessageType = "delivery_report"
	MessageTypeCourierStatus       MessageType = "courier_status"
	MessageTypeParcelStatusQuery   MessageType = "parcel_status_query"
	MessageTypeStatusUpdate        MessageType = "status_update"
	MessageTypeParcelInfo          MessageType = "parcel_info"
	MessageTypeParcelLog           MessageType = "parcel_log"
	MessageTypeDeliveryLog         MessageType = "delivery_log"
	MessageTypeAssignmentRelease   MessageType = "assignment_release"
)

type Parcel struct {
	ID          string       `json:"id"`
	Urgency     Urgency      `json:"urgency"`
	Info        string       `json:"info"`
	Destination string       `json:"destination"`
	Status      ParcelStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Location is a named point on the map.
type Location struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type CourierStatus struct {
	CourierID string    `json:"courier_id"`
	Location  string    `json:"location"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Battery   float64   `json:"battery"`
	Load      int       `json:"load"`
	Capacity  int       `json:"capacity"`
	Busy      bool      `json:"busy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoadString renders the load as the count/capacity fraction used in logs.
func (s CourierStatus) LoadString() string {
	return fmt.Sprintf("%d/%d", s.Load, s.Capacity)
}

type Message struct {
	ID               string          `json:"id"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Performative     Performative    `json:"performative"`
	Type             MessageType     `json:"type"`
	CorrelationToken string          `json:"correlation_token,omitempty"`
	Body             json.RawMessage `json:"body"`
	SentAt           time.Time       `json:"sent_at"`
}

type DeliveryLogEntry struct {
	ID        int64        `json:"id"`
	ParcelID  string       `json:"parcel_id"`
	Status    ParcelStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// CourierStatusRow is one line of the courier status sink.
type CourierStatusRow struct {
	CourierStatus
	RecordedAt time.Time `json:"recorded_at"`
}

// DeliveryRow is one line of the delivery history sink.
type DeliveryRow struct {
	ParcelID   string       `json:"parcel_id"`
	CourierID  string       `json:"courier_id"`
	Status     ParcelStatus `json:"status"`
	Route      string       `json:"route"`
	Lat        float64      `json:"lat"`
	Lon        float64      `json:"lon"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// CommRow is one line of the agent communication log.
type CommRow struct {
	Timestamp        time.Time   `json:"timestamp"`
	From             string      `json:"from"`
	To               string      `json:"to"`
	Type             MessageType `json:"type"`
	CorrelationToken string      `json:"correlation_token,omitempty"`
}
