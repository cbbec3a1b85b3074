package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrUnknownTrackingStatus is returned when a tracking label is not one of
// the statuses the downstream service is known to emit.
var ErrUnknownTrackingStatus = errors.New("unknown tracking status")

// Kind names one of the three resource kinds the aggregator batches.
// The value doubles as the downstream path segment.
type Kind string

const (
	KindPricing   Kind = "pricing"
	KindTracking  Kind = "track"
	KindShipments Kind = "shipments"
)

// Kinds lists every kind in dispatch order.
var Kinds = []Kind{KindPricing, KindTracking, KindShipments}

// String returns the kind's wire name, which is also its metrics label.
func (k Kind) String() string {
	return string(k)
}

// TrackingStatus is the lifecycle state of a tracked parcel.
type TrackingStatus int

const (
	StatusNew TrackingStatus = iota
	StatusInTransit
	StatusCollecting
	StatusCollected
	StatusDelivering
	StatusDelivered
)

var trackingLabels = map[TrackingStatus]string{
	StatusNew:        "NEW",
	StatusInTransit:  "IN TRANSIT",
	StatusCollecting: "COLLECTING",
	StatusCollected:  "COLLECTED",
	StatusDelivering: "DELIVERING",
	StatusDelivered:  "DELIVERED",
}

// ParseTrackingStatus converts a wire label into a TrackingStatus.
// Both "IN TRANSIT" and "IN_TRANSIT" are accepted.
func ParseTrackingStatus(label string) (TrackingStatus, error) {
	if label == "IN_TRANSIT" {
		return StatusInTransit, nil
	}
	for status, l := range trackingLabels {
		if l == label {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTrackingStatus, label)
}

// String returns the wire label.
func (s TrackingStatus) String() string {
	if l, ok := trackingLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("TrackingStatus(%d)", int(s))
}

// MarshalJSON encodes the status as its wire label, for example "IN TRANSIT".
// Statuses without a label are an error rather than a number on the wire.
func (s TrackingStatus) MarshalJSON() ([]byte, error) {
	l, ok := trackingLabels[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrackingStatus, int(s))
	}
	return json.Marshal(l)
}

// UnmarshalJSON decodes a wire label. Unknown labels wrap
// ErrUnknownTrackingStatus.
func (s *TrackingStatus) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	parsed, err := ParseTrackingStatus(label)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Request carries the ids of one inbound aggregation call, per kind. Ids may
// repeat; Unique collapses them.
type Request struct {
	Pricing   []string
	Tracking  []string
	Shipments []string
}

// Empty reports whether the request asks for nothing at all.
func (r Request) Empty() bool {
	return len(r.Pricing) == 0 && len(r.Tracking) == 0 && len(r.Shipments) == 0
}

// Total returns the number of ids across all kinds.
func (r Request) Total() int {
	return len(r.Pricing) + len(r.Tracking) + len(r.Shipments)
}

// Unique returns a copy of r whose ids are sorted and distinct within each
// kind. A caller's keys are scoped by token and item id, so each id may be
// queued only once per request.
func (r Request) Unique() Request {
	return Request{
		Pricing:   unique(r.Pricing),
		Tracking:  unique(r.Tracking),
		Shipments: unique(r.Shipments),
	}
}

func unique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Response is the aggregated answer returned to the caller. Every requested
// id is present as a key; a nil value means no data was available.
type Response struct {
	Pricing   map[string]*float64        `json:"pricing"`
	Tracking  map[string]*TrackingStatus `json:"tracking"`
	Shipments map[string][]string        `json:"shipments"`
}

// NewResponse returns a Response with all three maps allocated so that
// empty kinds encode as {} rather than null.
func NewResponse() Response {
	return Response{
		Pricing:   make(map[string]*float64),
		Tracking:  make(map[string]*TrackingStatus),
		Shipments: make(map[string][]string),
	}
}
