package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxSnapshotBytes bounds the bootstrap response body.
const maxSnapshotBytes = 32 << 20

// Snapshot fetches the upstream's current flight-plan list once and ingests
// every usable entry. It returns the number of strips ingested. Entries that
// fail validation are skipped the same way streamed frames are.
func Snapshot(ctx context.Context, client *http.Client, url string, sink Ingester, log *slog.Logger) (int, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	var plans []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBytes)).Decode(&plans); err != nil {
		return 0, fmt.Errorf("%w: snapshot is not a JSON array: %v", ErrMalformed, err)
	}

	var dec Decoder
	n, skipped := 0, 0
	for _, raw := range plans {
		st, err := dec.DecodePlan(raw)
		if err != nil {
			skipped++
			continue
		}
		sink.Ingest(st)
		n++
	}
	log.Info("loaded initial flight plans", "ingested", n, "skipped", skipped)
	return n, nil
}
