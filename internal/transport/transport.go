// Package transport defines the wire interface the sync coordinator
// pushes resolved updates through.
//
// The reference system simulated its network layer inline; here the
// boundary is explicit so a production HTTP client and a failure-injecting
// test double are interchangeable.
package transport

import (
	"context"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

// BatchSchemaVersion versions the batched update payload so the backend
// can reject or migrate old clients safely.
const BatchSchemaVersion = 1

// BatchRequest is one outbound call carrying the resolved updates for a
// set of cores. Updates for the same core are coalesced into a single
// item before dispatch.
type BatchRequest struct {
	SchemaVersion int          `json:"schema_version"`
	SentAt        time.Time    `json:"sent_at"`
	Items         []BatchItem  `json:"items"`
}

// BatchItem is the resolved state for one core.
type BatchItem struct {
	CoreID    string     `json:"core_id"`
	Core      *core.Core `json:"core"`
	UpdateIDs []string   `json:"update_ids"` // queue rows satisfied by this item
}

// BatchResponse reports per-item outcomes.
type BatchResponse struct {
	SchemaVersion int            `json:"schema_version"`
	Accepted      []string       `json:"accepted"` // core ids persisted remotely
	Rejected      map[string]string `json:"rejected,omitempty"` // core id -> reason
}

// Transport pushes resolved core state to the backing service. Push must
// respect ctx cancellation and apply its own request timeout.
type Transport interface {
	Push(ctx context.Context, req BatchRequest) (BatchResponse, error)
}
