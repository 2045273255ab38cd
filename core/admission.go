// core/admission.go
package core

import (
	"fmt"

	"github.com/chhz0/inferq/types"
)

// SubmitRequest is one submission as received from a caller. Empty Priority
// means normal; empty Backend means the configured default.
type SubmitRequest struct {
	Priority string
	Payload  []byte
	Backend  string
}

type admitted struct {
	priority types.Priority
	payload  []byte
	backend  types.BackendVariant
}

// Admission rejects submissions before anything is enqueued.
type Admission struct {
	maxBulk        int
	maxPayload     int
	defaultBackend types.BackendVariant
	registry       *BackendRegistry
}

func NewAdmission(maxBulk, maxPayload int, defaultBackend types.BackendVariant, registry *BackendRegistry) *Admission {
	return &Admission{
		maxBulk:        maxBulk,
		maxPayload:     maxPayload,
		defaultBackend: defaultBackend,
		registry:       registry,
	}
}

func (a *Admission) check(req SubmitRequest) (admitted, error) {
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return admitted{}, err
	}
	if len(req.Payload) == 0 {
		return admitted{}, types.NewError(types.KindValidation, "payload must not be empty")
	}
	if a.maxPayload > 0 && len(req.Payload) > a.maxPayload {
		return admitted{}, types.NewError(types.KindValidation,
			fmt.Sprintf("payload of %d bytes exceeds the limit of %d", len(req.Payload), a.maxPayload))
	}

	variant := a.defaultBackend
	if req.Backend != "" {
		if variant, err = types.ParseBackendVariant(req.Backend); err != nil {
			return admitted{}, err
		}
	}
	if !a.registry.Has(variant) {
		return admitted{}, types.NewError(types.KindValidation, fmt.Sprintf("backend %q is not enabled", variant))
	}
	return admitted{priority: priority, payload: req.Payload, backend: variant}, nil
}

// checkBulk validates a whole submission. Either every item is admitted or
// none is.
func (a *Admission) checkBulk(reqs []SubmitRequest) ([]admitted, error) {
	if len(reqs) == 0 {
		return nil, types.NewError(types.KindValidation, "bulk submission is empty")
	}
	if a.maxBulk > 0 && len(reqs) > a.maxBulk {
		return nil, types.NewError(types.KindValidation,
			fmt.Sprintf("bulk submission of %d tasks exceeds the cap of %d", len(reqs), a.maxBulk))
	}
	out := make([]admitted, len(reqs))
	for i, req := range reqs {
		adm, err := a.check(req)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = adm
	}
	return out, nil
}
