package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxDatasetBodySize = 32 << 20 // 32MB

// CreateDatasetRequest is the body of POST /v1/datasets.
type CreateDatasetRequest struct {
	Name string `json:"name"`
	CSV  string `json:"csv"`
}

func handleCreateDataset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDatasetBodySize)
		defer r.Body.Close()

		var req CreateDatasetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.CSV == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "csv is required")
			return
		}

		ds, err := deps.Store.IngestCSV(req.Name, strings.NewReader(req.CSV))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ingesting dataset: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ds)
	}
}

func handleListDatasets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasets, err := deps.Store.ListDatasets()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing datasets: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if datasets == nil {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode(datasets)
	}
}
