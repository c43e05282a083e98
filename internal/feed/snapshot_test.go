package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripboard/stripd/internal/strip"
)

func TestSnapshot_IngestsValidPlans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"callsign":"ual1","departing":"irfd","flightlevel":"350"},
			{"aircraft":"B738"},
			{"realcallsign":"speedbird 9","arriving":"itko"}
		]`))
	}))
	defer srv.Close()

	sink := &collector{}
	n, err := Snapshot(context.Background(), srv.Client(), srv.URL, sink, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "UAL1", got[0].Callsign)
	assert.Equal(t, "350", got[0].FlightLevel)
	assert.Equal(t, "SPEEDBIRD 9", got[1].RealCallsign)
	for _, s := range got {
		assert.Equal(t, strip.SourceImport, s.Source)
	}
}

func TestSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `[]`},
		{"not an array", http.StatusOK, `{"callsign":"A"}`},
		{"garbage", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sink := &collector{}
			n, err := Snapshot(context.Background(), srv.Client(), srv.URL, sink, quietLogger())
			assert.Error(t, err)
			assert.Zero(t, n)
			assert.Zero(t, sink.len())
		})
	}
}
