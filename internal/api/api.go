// Package api exposes the REST surface: schema administration, audited CRUD
// over dynamic collections, version history and reversion, change-feed
// health, and bulk import.
package api

import (
	"net/http"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/changefeed"
	"github.com/tgnichols/schemabase/internal/export"
	"github.com/tgnichols/schemabase/internal/ingestion"
	"github.com/tgnichols/schemabase/internal/service"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// FeedStatus is the slice of the change-feed listener the API needs.
type FeedStatus interface {
	Status() changefeed.Status
}

// API binds the HTTP handlers to the service layer.
type API struct {
	schemas       *service.SchemaService
	crud          *service.CrudService
	ledger        *audit.Ledger
	reconstructor *audit.Reconstructor
	reverter      *audit.RevertEngine
	ingestion     *ingestion.Service
	exporter      *export.Service
	feed          FeedStatus
	logger        zerolog.Logger
}

// New creates the API. feed, ingestion and exporter may be nil; their routes
// then report 503.
func New(
	schemas *service.SchemaService,
	crud *service.CrudService,
	ledger *audit.Ledger,
	reconstructor *audit.Reconstructor,
	reverter *audit.RevertEngine,
	ingestionSvc *ingestion.Service,
	exporter *export.Service,
	feed FeedStatus,
	logger zerolog.Logger,
) *API {
	return &API{
		schemas:       schemas,
		crud:          crud,
		ledger:        ledger,
		reconstructor: reconstructor,
		reverter:      reverter,
		ingestion:     ingestionSvc,
		exporter:      exporter,
		feed:          feed,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the route table. Specific paths are registered before the
// {id} wildcards so "revert" and "import" never parse as document ids.
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	r := router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/schemas", a.handleCreateSchema).Methods(http.MethodPost)
	r.HandleFunc("/schemas", a.handleListSchemas).Methods(http.MethodGet)
	r.HandleFunc("/schemas/{schema}", a.handleGetSchema).Methods(http.MethodGet)
	r.HandleFunc("/schemas/{schema}", a.handleDeactivateSchema).Methods(http.MethodDelete)

	r.HandleFunc("/data/{schema}/revert/bulk", a.handleBulkRevert).Methods(http.MethodPost)
	r.HandleFunc("/data/{schema}/import", a.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/data/{schema}/export", a.handleExport).Methods(http.MethodGet)

	r.HandleFunc("/data/{schema}", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/data/{schema}", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/data/{schema}/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/data/{schema}/{id}", a.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/data/{schema}/{id}", a.handleDelete).Methods(http.MethodDelete)

	r.HandleFunc("/data/{schema}/{id}/history", a.handleDocumentHistory).Methods(http.MethodGet)
	r.HandleFunc("/data/{schema}/{id}/versions/{version}", a.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/data/{schema}/{id}/compare", a.handleCompare).Methods(http.MethodGet)
	r.HandleFunc("/data/{schema}/{id}/revert", a.handleRevert).Methods(http.MethodPost)

	r.HandleFunc("/audit/cleanup", a.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/audit/{schema}/history", a.handleSchemaHistory).Methods(http.MethodGet)
	r.HandleFunc("/audit/{schema}/stats", a.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/changefeed/status", a.handleFeedStatus).Methods(http.MethodGet)

	return router
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
