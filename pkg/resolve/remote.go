package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/3leaps/creupload/pkg/store"
)

// StrategyRemote names the remote lookup strategy.
const StrategyRemote = "remote"

// LookupMode selects the remote lookup endpoint.
type LookupMode string

const (
	// LookupFetch uses GET /rest/patients/fetch?eid=.
	LookupFetch LookupMode = "fetch"

	// LookupEID uses GET /rest/patients/eid/{eid}.
	LookupEID LookupMode = "eid"
)

// ParseLookupMode validates a mode name. Empty selects LookupFetch.
func ParseLookupMode(s string) (LookupMode, error) {
	switch LookupMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", LookupFetch:
		return LookupFetch, nil
	case LookupEID:
		return LookupEID, nil
	}
	return "", fmt.Errorf("unknown lookup mode %q (want fetch or eid)", s)
}

// PatientLookup is the subset of the store client used for resolution.
type PatientLookup interface {
	FetchByExternalID(ctx context.Context, eid string) ([]store.Patient, error)
	PatientByExternalID(ctx context.Context, eid string) (*store.Patient, error)
}

// RemoteResolver resolves external ids with one read request each.
type RemoteResolver struct {
	client PatientLookup
	mode   LookupMode
}

// NewRemoteResolver builds a resolver over client.
func NewRemoteResolver(client PatientLookup, mode LookupMode) *RemoteResolver {
	if mode == "" {
		mode = LookupFetch
	}
	return &RemoteResolver{client: client, mode: mode}
}

// Resolve issues exactly one lookup request.
func (r *RemoteResolver) Resolve(ctx context.Context, externalID string) (Identity, error) {
	fail := func(err error) (Identity, error) {
		return Identity{}, &Error{ExternalID: externalID, Strategy: StrategyRemote, Err: err}
	}

	switch r.mode {
	case LookupEID:
		p, err := r.client.PatientByExternalID(ctx, externalID)
		if err != nil {
			var se *store.StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusMultipleChoices {
				return fail(ErrAmbiguous)
			}
			return fail(fmt.Errorf("%w: %v", ErrLookupFailed, err))
		}
		if p == nil || p.ID == "" {
			return fail(ErrNotFound)
		}
		return Identity{ExternalID: externalID, InternalID: p.ID, Source: StrategyRemote}, nil

	default:
		patients, err := r.client.FetchByExternalID(ctx, externalID)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrLookupFailed, err))
		}
		switch len(patients) {
		case 0:
			return fail(ErrNotFound)
		case 1:
			if patients[0].ID == "" {
				return fail(ErrNotFound)
			}
			return Identity{ExternalID: externalID, InternalID: patients[0].ID, Source: StrategyRemote}, nil
		default:
			return fail(fmt.Errorf("%w: %d matches", ErrAmbiguous, len(patients)))
		}
	}
}
