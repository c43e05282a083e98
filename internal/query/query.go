// Package query turns a read request into a deterministic, ordered subset of
// strips. It never mutates its input.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/stripboard/stripd/internal/strip"
)

// ErrBadParam is returned by ParseFilter for malformed query parameters.
var ErrBadParam = errors.New("bad query parameter")

// Filter is a parsed read request.
type Filter struct {
	// Airport is matched against departing/arriving. Empty matches everything.
	Airport    string
	Departures bool
	Arrivals   bool
	// Disabled holds classification categories whose strips are hidden.
	Disabled map[string]bool
}

// All returns the filter that selects every live strip.
func All() Filter {
	return Filter{Departures: true, Arrivals: true}
}

// ParseFilter reads airport, includeDepartures, includeArrivals and disabled
// from v. Absent booleans default to true.
func ParseFilter(v url.Values) (Filter, error) {
	f := All()
	f.Airport = strip.Code(v.Get("airport"))

	var err error
	if f.Departures, err = parseBool(v, "includeDepartures"); err != nil {
		return Filter{}, err
	}
	if f.Arrivals, err = parseBool(v, "includeArrivals"); err != nil {
		return Filter{}, err
	}

	for _, raw := range v["disabled"] {
		for _, c := range strings.Split(raw, ",") {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" {
				continue
			}
			if f.Disabled == nil {
				f.Disabled = make(map[string]bool)
			}
			f.Disabled[c] = true
		}
	}
	return f, nil
}

func parseBool(v url.Values, key string) (bool, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrBadParam, key, raw)
	}
	return b, nil
}

// Taxonomy maps a controller/sector tag (e.g. "GND") to a category name
// (e.g. "ground").
type Taxonomy map[string]string

// NewTaxonomy builds a Taxonomy from a tag→category map, normalizing tags to
// uppercase and categories to lowercase.
func NewTaxonomy(m map[string]string) Taxonomy {
	t := make(Taxonomy, len(m))
	for tag, category := range m {
		tag = strip.Code(tag)
		if tag == "" {
			continue
		}
		t[tag] = strings.ToLower(strings.TrimSpace(category))
	}
	return t
}

// DefaultTaxonomy is used when no taxonomy is configured.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		"DEL": "clearance",
		"GND": "ground",
		"TWR": "tower",
		"APP": "approach",
		"DEP": "approach",
		"CTR": "center",
	}
}

// Category returns the category for tag, or "" when the tag is empty or unknown.
func (t Taxonomy) Category(tag string) string {
	if tag == "" {
		return ""
	}
	return strings.ToLower(t[strip.Code(tag)])
}

// Engine evaluates filters against a candidate set.
type Engine struct {
	Lifetime time.Duration
	Taxonomy Taxonomy
}

// Match reports whether s passes the age/pin, airport and classification rules.
func (e Engine) Match(s strip.Strip, f Filter, now time.Time) bool {
	if !e.live(s, now) {
		return false
	}
	if f.Airport != "" {
		dep := f.Departures && s.Departing == f.Airport
		arr := f.Arrivals && s.Arriving == f.Airport
		if !dep && !arr {
			return false
		}
	}
	if len(f.Disabled) > 0 {
		if c := e.Taxonomy.Category(s.Sector); c != "" && f.Disabled[c] {
			return false
		}
	}
	return true
}

func (e Engine) live(s strip.Strip, now time.Time) bool {
	if s.Source == strip.SourceManual || s.Pinned {
		return true
	}
	return !s.CreatedAt.Before(now.Add(-e.Lifetime))
}

// Select returns the strips in candidates matching f, ordered pinned first and
// then newest first. candidates must be in insertion order; equal keys keep it.
func (e Engine) Select(candidates []strip.Strip, f Filter, now time.Time) []strip.Strip {
	out := make([]strip.Strip, 0, len(candidates))
	for _, s := range candidates {
		if e.Match(s, f, now) {
			out = append(out, s)
		}
	}
	Sort(out)
	return out
}

// Sort orders list pinned first, then by createdAt descending. It is stable.
func Sort(list []strip.Strip) {
	slices.SortStableFunc(list, func(a, b strip.Strip) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
