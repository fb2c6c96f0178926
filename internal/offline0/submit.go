package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline0/internal/store"
)

var ErrSubmission = errors.New("submission failed")

// Submitter delivers one record to the remote system. It must be safe to
// call more than once for the same record id.
type Submitter interface {
	Submit(ctx context.Context, rec store.Record) error
}

// httpSubmitter POSTs record payloads, using the record id as the
// Idempotency-Key so the remote side can drop duplicates.
type httpSubmitter struct {
	client   *http.Client
	endpoint string
}

func (s *httpSubmitter) Submit(ctx context.Context, rec store.Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	req.Header.Set("X-Record-Kind", rec.Kind)
	req.Header.Set("X-Record-Created", time.Unix(0, rec.CreatedAt).UTC().Format(time.RFC3339Nano))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already accepted under this idempotency key.
		return nil
	}
	return fmt.Errorf("%w: status %d: %s", ErrSubmission, resp.StatusCode, strings.TrimSpace(string(b)))
}

// Position is a location fix from the position provider.
type Position struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Accuracy float64   `json:"accuracy,omitempty"`
	At       time.Time `json:"at"`
}

// PositionProvider acquires the current position. Implementations must
// honour ctx; callers bound it with location.timeout.
type PositionProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// httpPositionProvider reads a JSON position from a local endpoint.
type httpPositionProvider struct {
	client   *http.Client
	endpoint string
}

func (p *httpPositionProvider) CurrentPosition(ctx context.Context) (Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return Position{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Position{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Position{}, fmt.Errorf("position endpoint status %d", resp.StatusCode)
	}
	var pos Position
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	if pos.At.IsZero() {
		pos.At = time.Now().UTC()
	}
	return pos, nil
}
