// Package strip defines the flight strip record shared by the feed, the store,
// the hub and the HTTP API, together with the single normalization step that
// every external input passes through.
package strip

import (
	"errors"
	"strings"
	"time"
)

// Source records where a strip came from. It never changes after creation.
type Source string

const (
	SourceImport Source = "import"
	SourceManual Source = "manual"
)

// Status is the workflow state of a strip.
type Status string

const (
	StatusFiled     Status = "Filed"
	StatusCleared   Status = "Cleared"
	StatusPush      Status = "Push"
	StatusTaxi      Status = "Taxi"
	StatusLineUp    Status = "LineUp"
	StatusAirborne  Status = "Airborne"
	StatusHandedOff Status = "HandedOff"
	StatusCancelled Status = "Cancelled"
)

var statuses = []Status{
	StatusFiled, StatusCleared, StatusPush, StatusTaxi,
	StatusLineUp, StatusAirborne, StatusHandedOff, StatusCancelled,
}

// ErrInvalidStatus is returned when a status outside the workflow set is supplied.
var ErrInvalidStatus = errors.New("invalid status")

// ParseStatus matches s case-insensitively against the workflow set.
// An empty string yields StatusFiled.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StatusFiled, nil
	}
	for _, st := range statuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", ErrInvalidStatus
}

// Strip is a single flight or clearance record.
type Strip struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Pinned    bool      `json:"pinned"`

	Callsign     string `json:"callsign"`
	RealCallsign string `json:"realcallsign"`
	RobloxName   string `json:"robloxName"`
	Aircraft     string `json:"aircraft"`
	FlightRules  string `json:"flightrules"`
	Departing    string `json:"departing"`
	Arriving     string `json:"arriving"`
	Route        string `json:"route"`
	FlightLevel  string `json:"flightlevel"`
	Remarks      string `json:"remarks"`
	Status       Status `json:"status"`
	Scratchpad   string `json:"scratchpad"`
	Sector       string `json:"sector,omitempty"`
}

// Expirable reports whether the sweeper may ever evict s.
func (s Strip) Expirable() bool {
	return s.Source == SourceImport && !s.Pinned
}

// Expired reports whether s is past cutoff and eligible for eviction.
func (s Strip) Expired(cutoff time.Time) bool {
	return s.Expirable() && s.CreatedAt.Before(cutoff)
}

// Patch carries the editable subset of a strip. Nil fields are left untouched.
// Unknown JSON keys are dropped by the decoder.
type Patch struct {
	Pinned *bool `json:"pinned,omitempty"`

	Callsign     *string `json:"callsign,omitempty"`
	RealCallsign *string `json:"realcallsign,omitempty"`
	RobloxName   *string `json:"robloxName,omitempty"`
	Aircraft     *string `json:"aircraft,omitempty"`
	FlightRules  *string `json:"flightrules,omitempty"`
	Departing    *string `json:"departing,omitempty"`
	Arriving     *string `json:"arriving,omitempty"`
	Route        *string `json:"route,omitempty"`
	FlightLevel  *string `json:"flightlevel,omitempty"`
	Remarks      *string `json:"remarks,omitempty"`
	Status       *string `json:"status,omitempty"`
	Scratchpad   *string `json:"scratchpad,omitempty"`
	Sector       *string `json:"sector,omitempty"`
}

// Apply writes the non-nil fields of p onto s after normalizing them.
// s is left unchanged when the patch carries an unknown status.
func (p Patch) Apply(s *Strip) error {
	var status Status
	if p.Status != nil {
		st, err := ParseStatus(*p.Status)
		if err != nil {
			return err
		}
		status = st
	}

	set := func(dst *string, src *string, norm func(string) string) {
		if src != nil {
			*dst = norm(*src)
		}
	}
	set(&s.Callsign, p.Callsign, Code)
	set(&s.RealCallsign, p.RealCallsign, Code)
	set(&s.RobloxName, p.RobloxName, Text)
	set(&s.Aircraft, p.Aircraft, Text)
	set(&s.FlightRules, p.FlightRules, Code)
	set(&s.Departing, p.Departing, Code)
	set(&s.Arriving, p.Arriving, Code)
	set(&s.Route, p.Route, Text)
	set(&s.FlightLevel, p.FlightLevel, Text)
	set(&s.Remarks, p.Remarks, Text)
	set(&s.Scratchpad, p.Scratchpad, Text)
	set(&s.Sector, p.Sector, Code)

	if p.Status != nil {
		s.Status = status
	}
	if p.Pinned != nil {
		s.Pinned = *p.Pinned
	}
	return nil
}

// Normalize applies the boundary normalization to every field of s.
func Normalize(s *Strip) {
	s.Callsign = Code(s.Callsign)
	s.RealCallsign = Code(s.RealCallsign)
	s.FlightRules = Code(s.FlightRules)
	s.Departing = Code(s.Departing)
	s.Arriving = Code(s.Arriving)
	s.Sector = Code(s.Sector)
	s.RobloxName = Text(s.RobloxName)
	s.Aircraft = Text(s.Aircraft)
	s.Route = Text(s.Route)
	s.FlightLevel = Text(s.FlightLevel)
	s.Remarks = Text(s.Remarks)
	s.Scratchpad = Text(s.Scratchpad)
	if s.Status == "" {
		s.Status = StatusFiled
	}
}

// Code normalizes airport codes, callsigns and other identifier-like values:
// surrounding whitespace is dropped and letters are uppercased.
func Code(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// Text normalizes free text by trimming surrounding whitespace only.
func Text(v string) string {
	return strings.TrimSpace(v)
}
