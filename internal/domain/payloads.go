package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedPayload   = errors.New("malformed message payload")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Wire sentinels. They never leave the codec: callers see Available/Found.
const (
	NoCourierSentinel = "NONE"
	NotFoundSentinel  = "NOT_FOUND"
)

// Payload is implemented by every typed message body.
type Payload interface {
	Validate() error
}

type ParcelCreationPayload struct {
	ParcelID    string  `json:"parcel_id"`
	Urgency     Urgency `json:"urgency"`
	Info        string  `json:"info"`
	Destination string  `json:"destination"`
}

func (p ParcelCreationPayload) Validate() error {
	if strings.TrimSpace(p.ParcelID) == "" {
		return errors.New("parcel_id is required")
	}
	if !p.Urgency.Valid() {
		return fmt.Errorf("invalid urgency %q", p.Urgency)
	}
	if strings.TrimSpace(p.Destination) == "" {
		return errors.New("destination is required")
	}
	return nil
}

type RouteRequestPayload struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

func (p RouteRequestPayload) Validate() error {
	if p.Origin == "" || p.Destination == "" {
		return errors.New("origin and destination are required")
	}
	return nil
}

type RouteResponsePayload struct {
	Waypoints     []string `json:"waypoints"`
	DistanceKM    float64  `json:"distance_km"`
	TrafficFactor float64  `json:"traffic_factor"`
}

func (p RouteResponsePayload) Validate() error {
	if len(p.Waypoints) < 2 {
		return errors.New("route needs at least two waypoints")
	}
	return nil
}

// Describe renders the route the way delivery logs store it.
func (p RouteResponsePayload) Describe() string {
	return strings.Join(p.Waypoints, " -> ")
}

type BestCourierRequestPayload struct {
	ParcelID string  `json:"parcel_id"`
	Urgency  Urgency `json:"urgency"`
}

func (p BestCourierRequestPayload) Validate() error {
	if p.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	return nil
}

// BestCourierResponsePayload carries an optional courier id. On the wire an
// absent courier is the "NONE" sentinel.
type BestCourierResponsePayload struct {
	CourierID string `json:"-"`
	Available bool   `json:"-"`
}

type bestCourierWire struct {
	Courier string `json:"courier"`
}

func (p BestCourierResponsePayload) MarshalJSON() ([]byte, error) {
	w := bestCourierWire{Courier: NoCourierSentinel}
	if p.Available {
		w.Courier = p.CourierID
	}
	return json.Marshal(w)
}

func (p *BestCourierResponsePayload) UnmarshalJSON(data []byte) error {
	var w bestCourierWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	courier := strings.TrimSpace(w.Courier)
	if courier == "" || courier == NoCourierSentinel {
		*p = BestCourierResponsePayload{}
		return nil
	}
	*p = BestCourierResponsePayload{CourierID: courier, Available: true}
	return nil
}

func (p BestCourierResponsePayload) Validate() error {
	return nil
}

type ParcelAssignmentPayload struct {
	ParcelID    string  `json:"parcel_id"`
	Urgency     Urgency `json:"urgency"`
	Info        string  `json:"info"`
	Destination string  `json:"destination"`
}

func (p ParcelAssignmentPayload) Validate() error {
	if strings.TrimSpace(p.ParcelID) == "" {
		return errors.New("parcel_id is required")
	}
	if strings.TrimSpace(p.Destination) == "" {
		return errors.New("destination is required")
	}
	return nil
}

type DeliveryReportPayload struct {
	ParcelID   string       `json:"parcel_id"`
	CourierID  string       `json:"courier_id"`
	Status     ParcelStatus `json:"status"`
	Route      string       `json:"route"`
	Lat        float64      `json:"lat"`
	Lon        float64      `json:"lon"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func (p DeliveryReportPayload) Validate() error {
	if p.ParcelID == "" || p.CourierID == "" {
		return errors.New("parcel_id and courier_id are required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

type CourierStatusPayload CourierStatus

func (p CourierStatusPayload) Validate() error {
	if p.CourierID == "" {
		return errors.New("courier_id is required")
	}
	if p.Battery < 0 || p.Battery > 100 {
		return fmt.Errorf("battery %.1f out of range", p.Battery)
	}
	if p.Load < 0 || p.Capacity < 0 {
		return errors.New("load and capacity must not be negative")
	}
	return nil
}

// ParcelQueryPayload is the body of parcel_status_query and parcel_info queries.
type ParcelQueryPayload struct {
	ParcelID string `json:"parcel_id"`
}

func (p ParcelQueryPayload) Validate() error {
	if strings.TrimSpace(p.ParcelID) == "" {
		return errors.New("parcel_id is required")
	}
	return nil
}

// ParcelInfoPayload answers a parcel query. A missing parcel travels as the
// NOT_FOUND status sentinel.
type ParcelInfoPayload struct {
	ParcelID string       `json:"-"`
	Status   ParcelStatus `json:"-"`
	Info     string       `json:"-"`
	Found    bool         `json:"-"`
}

type parcelInfoWire struct {
	ParcelID string `json:"parcel_id"`
	Status   string `json:"status"`
	Info     string `json:"info"`
}

func (p ParcelInfoPayload) MarshalJSON() ([]byte, error) {
	w := parcelInfoWire{ParcelID: p.ParcelID, Status: NotFoundSentinel, Info: "-"}
	if p.Found {
		w.Status = string(p.Status)
		w.Info = p.Info
	}
	return json.Marshal(w)
}

func (p *ParcelInfoPayload) UnmarshalJSON(data []byte) error {
	var w parcelInfoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Status == NotFoundSentinel {
		*p = ParcelInfoPayload{ParcelID: w.ParcelID}
		return nil
	}
	*p = ParcelInfoPayload{ParcelID: w.ParcelID, Status: ParcelStatus(w.Status), Info: w.Info, Found: true}
	return nil
}

func (p ParcelInfoPayload) Validate() error {
	if p.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	if p.Found && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

type ParcelLogPayload struct {
	ParcelID    string       `json:"parcel_id"`
	Urgency     Urgency      `json:"urgency"`
	Status      ParcelStatus `json:"status"`
	Info        string       `json:"info"`
	Destination string       `json:"destination"`
}

func (p ParcelLogPayload) Validate() error {
	if p.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	if !p.Urgency.Valid() {
		return fmt.Errorf("invalid urgency %q", p.Urgency)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

type DeliveryLogPayload struct {
	ParcelID  string       `json:"parcel_id"`
	Status    ParcelStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

func (p DeliveryLogPayload) Validate() error {
	if p.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// AssignmentReleasePayload hands a selected courier back to the supervisor
// when the assignment never reached it.
type AssignmentReleasePayload struct {
	ParcelID  string `json:"parcel_id"`
	CourierID string `json:"courier_id"`
	Reason    string `json:"reason"`
}

func (p AssignmentReleasePayload) Validate() error {
	if p.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	if p.CourierID == "" {
		return errors.New("courier_id is required")
	}
	return nil
}

// NewMessage builds an envelope with a fresh id and an encoded body.
func NewMessage(from, to string, perf Performative, msgType MessageType, body Payload) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{
		ID:           uuid.NewString(),
		From:         from,
		To:           to,
		Performative: perf,
		Type:         msgType,
		Body:         raw,
		SentAt:       time.Now().UTC(),
	}, nil
}

// NewToken returns a fresh correlation token.
func NewToken() string {
	return uuid.NewString()
}

// Decode unmarshals the body into out and validates it. Every failure wraps
// ErrMalformedPayload.
func (m Message) Decode(out Payload) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %s: empty body", ErrMalformedPayload, m.Type)
	}
	if err := json.Unmarshal(m.Body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, m.Type, err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, m.Type, err)
	}
	return nil
}

// DecodePayload returns the typed body registered for the message type.
func DecodePayload(m Message) (Payload, error) {
	var p Payload
	switch m.Type {
	case MessageTypeParcelCreation:
		p = &ParcelCreationPayload{}
	case MessageTypeRouteRequest:
		p = &RouteRequestPayload{}
	case MessageTypeRouteResponse:
		p = &RouteResponsePayload{}
	case MessageTypeBestCourierRequest:
		p = &BestCourierRequestPayload{}
	case MessageTypeBestCourierResponse:
		p = &BestCourierResponsePayload{}
	case MessageTypeParcelAssignment:
		p = &ParcelAssignmentPayload{}
	case MessageTypeDeliveryReport:
		p = &DeliveryReportPayload{}
	case MessageTypeCourierStatus:
		p = &CourierStatusPayload{}
	case MessageTypeParcelStatusQuery:
		p = &ParcelQueryPayload{}
	case MessageTypeStatusUpdate:
		p = &ParcelInfoPayload{}
	case MessageTypeParcelInfo:
		if m.Performative == PerformativeQuery {
			p = &ParcelQueryPayload{}
		} else {
			p = &ParcelInfoPayload{}
		}
	case MessageTypeParcelLog:
		p = &ParcelLogPayload{}
	case MessageTypeDeliveryLog:
		p = &DeliveryLogPayload{}
	case MessageTypeAssignmentRelease:
		p = &AssignmentReleasePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if err := m.Decode(p); err != nil {
		return nil, err
	}
	return p, nil
}
