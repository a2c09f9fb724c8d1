package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/remote"
)

// Push is one call received by a RecordingPusher.
type Push struct {
	TenantID   int64
	ResourceID string
	ClientID   string
	Records    []model.FormattedRecord
}

// UniqueIDs returns the record unique IDs in payload order.
func (p Push) UniqueIDs() []string {
	ids := make([]string, len(p.Records))
	for i, r := range p.Records {
		ids[i] = r.UniqueID
	}
	return ids
}

// RecordingPusher stands in for the remote client. It records every push and
// answers with a confirmed outcome unless told to fail.
type RecordingPusher struct {
	mu     sync.Mutex
	calls  []Push
	status int // non-zero: answer with this HTTP status
	reject bool
}

// NewRecordingPusher returns a pusher that accepts every push.
func NewRecordingPusher() *RecordingPusher {
	return &RecordingPusher{}
}

// Push implements syncer.Pusher.
func (p *RecordingPusher) Push(_ context.Context, tenantID int64, cred model.Credential, resourceID string, records []model.FormattedRecord) (remote.Outcome, error) {
	if records == nil {
		records = []model.FormattedRecord{}
	}
	body, err := json.Marshal(remote.Payload{ResourceID: resourceID, Resources: records})
	if err != nil {
		return remote.Outcome{}, fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Push{
		TenantID:   tenantID,
		ResourceID: resourceID,
		ClientID:   cred.ClientID,
		Records:    records,
	})

	switch {
	case p.status != 0:
		resp := http.StatusText(p.status)
		return remote.Outcome{
			Kind:         remote.FailureHTTP,
			StatusCode:   p.status,
			RequestBody:  body,
			ResponseBody: resp,
			Records:      len(records),
			Err:          &remote.HTTPError{StatusCode: p.status, Body: resp},
		}, nil
	case p.reject:
		return remote.Outcome{
			Kind:         remote.FailureRejected,
			StatusCode:   http.StatusOK,
			RequestBody:  body,
			ResponseBody: `{"error":"rejected"}`,
			Records:      len(records),
			Err:          remote.ErrRejected,
		}, nil
	}
	return remote.Outcome{
		OK:           true,
		StatusCode:   http.StatusOK,
		RequestBody:  body,
		ResponseBody: `{"id":"` + resourceID + `"}`,
		Records:      len(records),
	}, nil
}

// FailWith makes later pushes answer with an HTTP status. Zero restores success.
func (p *RecordingPusher) FailWith(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// Reject makes later pushes return an unconfirmed body.
func (p *RecordingPusher) Reject(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = v
}

// Calls returns a copy of every push received.
func (p *RecordingPusher) Calls() []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Push(nil), p.calls...)
}

// Since returns the pushes received after the first n.
func (p *RecordingPusher) Since(n int) []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= len(p.calls) {
		return nil
	}
	return append([]Push(nil), p.calls[n:]...)
}
