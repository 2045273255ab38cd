// Package backend normalizes calls to the inference runtimes behind one
// contract: an ordered list of opaque payloads in, an ordered list of
// per-item outcomes out.
package backend

import (
	"context"

	"github.com/chhz0/inferq/types"
)

// Outcome is the result for one payload. Exactly one of Result and Err is set.
type Outcome struct {
	Result []byte
	Err    error
}

// Adapter is implemented by every runtime variant.
//
// Execute returns one Outcome per payload, in input order. A non-nil error
// means the call failed before any item-level response and applies to the
// whole batch.
type Adapter interface {
	Variant() types.BackendVariant
	Execute(ctx context.Context, payloads [][]byte) ([]Outcome, error)
	HealthCheck(ctx context.Context) error
	ListCapabilities(ctx context.Context) ([]string, error)
	Close() error
}

// ItemError marks a failure isolated to one payload.
func ItemError(msg string, err error) error {
	return types.WrapError(types.KindBackendItem, msg, err)
}

// Unavailable marks a failure of the backend as a whole.
func Unavailable(msg string, err error) error {
	return types.WrapError(types.KindBackendUnavailable, msg, err)
}

// collapse turns per-item errors into the adapter's answer. When no item got
// a response from the backend the whole call is reported as failed, using the
// first error; otherwise backend-level errors are narrowed to the item.
func collapse(outcomes []Outcome) ([]Outcome, error) {
	if len(outcomes) == 0 {
		return outcomes, nil
	}
	var first error
	answered := false
	for _, o := range outcomes {
		if o.Err == nil {
			answered = true
			continue
		}
		switch types.KindOf(o.Err) {
		case types.KindBackendUnavailable, types.KindTimeout:
			if first == nil {
				first = o.Err
			}
		default:
			answered = true
		}
	}
	if !answered && first != nil {
		return nil, first
	}
	for i, o := range outcomes {
		if o.Err != nil && types.KindOf(o.Err) != types.KindBackendItem {
			outcomes[i].Err = ItemError(o.Err.Error(), nil)
		}
	}
	return outcomes, nil
}
