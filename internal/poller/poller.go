// Package poller reports the state of a task handle to external callers.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Lookup finds a handle by id, returning types.ErrHandleNotFound when unknown.
type Lookup interface {
	Get(id string) (*types.TaskHandle, error)
}

// ArtifactSummary is the externally visible part of a finished artifact.
type ArtifactSummary struct {
	EntityID   string     `json:"entity_id"`
	Kind       types.Kind `json:"kind"`
	Narrative  string     `json:"narrative"`
	TokenUsage int        `json:"token_usage"`
	ComputedAt time.Time  `json:"computed_at"`
	NoData     bool       `json:"no_data,omitempty"`
}

// Report is the poll response for one handle. Result and Error are always
// present in the JSON form, as null when unset.
type Report struct {
	TaskID string             `json:"task_id"`
	Status types.HandleStatus `json:"status"`
	Result *ArtifactSummary   `json:"result"`
	Error  *types.ErrorInfo   `json:"error"`
}

// Poller answers status queries.
type Poller struct {
	lookup Lookup
}

// New creates a Poller.
func New(l Lookup) *Poller {
	return &Poller{lookup: l}
}

// Poll returns the current state of a handle. Malformed ids are rejected
// before any lookup.
func (p *Poller) Poll(ctx context.Context, id string) (Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Report{}, fmt.Errorf("%w: malformed task id %q", types.ErrInvalidInput, id)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	h, err := p.lookup.Get(id)
	if err != nil {
		return Report{}, err
	}

	r := Report{TaskID: h.ID, Status: h.Status}
	switch h.Status {
	case types.StatusSuccess:
		if h.Artifact != nil {
			r.Result = Summarize(h.Artifact)
		}
	case types.StatusFailed:
		r.Error = h.Error
	}
	return r, nil
}

// Summarize converts an artifact into its external form.
func Summarize(a *types.Artifact) *ArtifactSummary {
	return &ArtifactSummary{
		EntityID:   a.Key.EntityID,
		Kind:       a.Key.Kind,
		Narrative:  a.Narrative,
		TokenUsage: a.TokenUsage,
		ComputedAt: a.ComputedAt,
		NoData:     a.NoData,
	}
}
