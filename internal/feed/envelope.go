// Package feed connects to the upstream flight-plan stream and turns its
// messages into import strips.
//
// Upstream frames are JSON envelopes of the form
//
//	{"t": "FLIGHT_PLAN", "d": {"callsign": "...", "departing": "...", ...}}
//
// Only the flight-plan event types are consumed; anything else is ignored.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripboard/stripd/internal/strip"
)

// Recognized envelope types.
const (
	EventFlightPlan      = "FLIGHT_PLAN"
	EventEventFlightPlan = "EVENT_FLIGHT_PLAN"
)

var (
	// ErrUnknownEvent marks a well-formed envelope of a type we do not consume.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformed marks a frame that failed to decode or lacks required fields.
	ErrMalformed = errors.New("malformed frame")
)

// Envelope is the outer upstream message.
type Envelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// FlexString accepts a JSON string or number. Flight levels arrive either way.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}

	// null and other shapes leave the value empty
	*f = ""
	return nil
}

// FlightPlan is the upstream flight-plan payload.
type FlightPlan struct {
	RobloxName   string     `json:"robloxName"`
	Callsign     string     `json:"callsign"`
	RealCallsign string     `json:"realcallsign"`
	Aircraft     string     `json:"aircraft"`
	FlightRules  string     `json:"flightrules"`
	Departing    string     `json:"departing"`
	Arriving     string     `json:"arriving"`
	Route        string     `json:"route"`
	FlightLevel  FlexString `json:"flightlevel"`

	// Misspelled key seen on some upstream payloads.
	FligthRules string `json:"fligthrules"`
}

// Validate checks the structural presence of the fields a strip needs.
func (fp FlightPlan) Validate() error {
	if strip.Code(fp.Callsign) == "" && strip.Code(fp.RealCallsign) == "" {
		return fmt.Errorf("%w: missing callsign", ErrMalformed)
	}
	return nil
}

// Strip converts fp into a fresh import strip stamped at now. Workflow fields
// start at their defaults.
func (fp FlightPlan) Strip(now time.Time) strip.Strip {
	rules := fp.FlightRules
	if rules == "" {
		rules = fp.FligthRules
	}
	s := strip.Strip{
		ID:           strip.NewID(strip.SourceImport),
		Source:       strip.SourceImport,
		CreatedAt:    now,
		UpdatedAt:    now,
		Pinned:       false,
		Callsign:     fp.Callsign,
		RealCallsign: fp.RealCallsign,
		RobloxName:   fp.RobloxName,
		Aircraft:     fp.Aircraft,
		FlightRules:  rules,
		Departing:    fp.Departing,
		Arriving:     fp.Arriving,
		Route:        fp.Route,
		FlightLevel:  string(fp.FlightLevel),
		Status:       strip.StatusFiled,
	}
	strip.Normalize(&s)
	return s
}

// Decoder turns raw frames into strips.
type Decoder struct {
	Now func() time.Time
}

func (d Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Decode parses one envelope. It returns ErrUnknownEvent for envelopes of
// other types and an error wrapping ErrMalformed for anything unusable.
func (d Decoder) Decode(frame []byte) (strip.Strip, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return strip.Strip{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case EventFlightPlan, EventEventFlightPlan:
	case "":
		return strip.Strip{}, fmt.Errorf("%w: missing event type", ErrMalformed)
	default:
		return strip.Strip{}, fmt.Errorf("%w: %s", ErrUnknownEvent, strconv.Quote(env.Type))
	}
	return d.DecodePlan(env.Data)
}

// DecodePlan parses a bare flight-plan payload.
func (d Decoder) DecodePlan(data json.RawMessage) (strip.Strip, error) {
	if len(data) == 0 || string(data) == "null" {
		return strip.Strip{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	var fp FlightPlan
	if err := json.Unmarshal(data, &fp); err != nil {
		return strip.Strip{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := fp.Validate(); err != nil {
		return strip.Strip{}, err
	}
	return fp.Strip(d.now()), nil
}
