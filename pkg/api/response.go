package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quarryhq/quarry/pkg/ingest"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/orchestrator"
	"github.com/quarryhq/quarry/pkg/resolver"
	"github.com/quarryhq/quarry/pkg/storage"
)

type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	var validation *resolver.ValidationError
	var rejected *ingest.Rejected

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, storage.ErrNamespaceTaken),
		errors.Is(err, storage.ErrSubdomainTaken):
		status = http.StatusConflict
		msg = err.Error()
	case errors.Is(err, orchestrator.ErrNotCancellable),
		errors.Is(err, orchestrator.ErrBusy):
		status = http.StatusConflict
		msg = err.Error()
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.As(err, &rejected):
		status = http.StatusUnprocessableEntity
		msg = err.Error()
	default:
		log.WithComponent("api").Error().Err(err).Msg("Internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}
