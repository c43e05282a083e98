package feed

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/stripboard/stripd/internal/strip"
)

// Ingester accepts normalized import strips. The store implements it.
type Ingester interface {
	Ingest(strip.Strip) strip.Strip
}

// Stats are cumulative frame counters.
type Stats struct {
	Ingested int64 `json:"ingested"`
	Dropped  int64 `json:"dropped"`
	Ignored  int64 `json:"ignored"`
}

// pipeline decodes frames and forwards flight plans to an Ingester. It is
// shared by every transport so all of them apply the same rules.
type pipeline struct {
	dec  Decoder
	sink Ingester
	log  *slog.Logger

	// dropLog throttles malformed-frame logging during upstream storms.
	dropLog rate.Sometimes

	ingested atomic.Int64
	dropped  atomic.Int64
	ignored  atomic.Int64
}

func newPipeline(sink Ingester, now func() time.Time, log *slog.Logger) *pipeline {
	return &pipeline{
		dec:     Decoder{Now: now},
		sink:    sink,
		log:     log,
		dropLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// handle processes one frame. It never fails; bad frames are counted and dropped.
func (p *pipeline) handle(frame []byte) {
	st, err := p.dec.Decode(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownEvent):
		p.ignored.Add(1)
		return
	default:
		n := p.dropped.Add(1)
		p.dropLog.Do(func() {
			p.log.Debug("dropping feed frame", "error", err, "dropped_total", n)
		})
		return
	}

	st = p.sink.Ingest(st)
	p.ingested.Add(1)
	p.log.Debug("flight plan ingested", "id", st.ID, "callsign", st.Callsign)
}

func (p *pipeline) stats() Stats {
	return Stats{
		Ingested: p.ingested.Load(),
		Dropped:  p.dropped.Load(),
		Ignored:  p.ignored.Load(),
	}
}
