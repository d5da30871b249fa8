package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/auth"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/export"
	"github.com/tgnichols/schemabase/internal/ingestion"
	"github.com/tgnichols/schemabase/internal/service"

	"github.com/gorilla/mux"
)

// --- schema administration ---

func (a *API) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var input service.CreateSchemaInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	created, err := a.schemas.CreateSchema(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	schemas, err := a.schemas.ListSchemas(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (a *API) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := a.schemas.GetSchema(r.Context(), mux.Vars(r)["schema"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (a *API) handleDeactivateSchema(w http.ResponseWriter, r *http.Request) {
	if err := a.schemas.DeactivateSchema(r.Context(), mux.Vars(r)["schema"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- document CRUD ---

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		writeError(w, err)
		return
	}
	doc, err := a.crud.Create(r.Context(), mux.Vars(r)["schema"], data, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc.Snapshot())
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			writeError(w, domain.NewValidationError("offset", "must be a non-negative integer, got %q", raw))
			return
		}
	}

	// Remaining query parameters are equality filters on business fields.
	filter := map[string]any{}
	for key, values := range query {
		if key == "limit" || key == "offset" || len(values) == 0 {
			continue
		}
		filter[key] = values[0]
	}

	result, err := a.crud.List(r.Context(), mux.Vars(r)["schema"], filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	docs := make([]map[string]any, 0, len(result.Documents))
	for _, doc := range result.Documents {
		docs = append(docs, doc.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": result.Total})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := a.crud.Get(r.Context(), vars["schema"], vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Snapshot())
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	doc, err := a.crud.Update(r.Context(), vars["schema"], vars["id"], data, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Snapshot())
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := a.crud.Delete(r.Context(), vars["schema"], vars["id"], auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Snapshot())
}

// --- history, reconstruction, reversion ---

func historyQueryFromRequest(r *http.Request) (audit.HistoryQuery, error) {
	query := r.URL.Query()
	page, err := parsePage(query.Get("page"))
	if err != nil {
		return audit.HistoryQuery{}, err
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		return audit.HistoryQuery{}, err
	}
	from, err := parseTime("from", query.Get("from"))
	if err != nil {
		return audit.HistoryQuery{}, err
	}
	to, err := parseTime("to", query.Get("to"))
	if err != nil {
		return audit.HistoryQuery{}, err
	}
	return audit.HistoryQuery{
		Page:      page,
		Limit:     limit,
		Operation: query.Get("operation"),
		From:      from,
		To:        to,
		UserID:    query.Get("userId"),
	}, nil
}

func (a *API) handleDocumentHistory(w http.ResponseWriter, r *http.Request) {
	query, err := historyQueryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	page, err := a.ledger.GetAuditHistory(r.Context(), vars["id"], vars["schema"], query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleSchemaHistory(w http.ResponseWriter, r *http.Request) {
	query, err := historyQueryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := a.ledger.GetSchemaAuditHistory(r.Context(), mux.Vars(r)["schema"], query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.ledger.GetAuditStats(r.Context(), mux.Vars(r)["schema"], r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := parseVersion("version", vars["version"])
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot, err := a.reconstructor.GetDocumentAtVersion(r.Context(), vars["id"], vars["schema"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleCompare(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseVersion("from", query.Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseVersion("to", query.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	comparison, err := a.reverter.CompareVersions(r.Context(), vars["id"], vars["schema"], from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

type revertPayload struct {
	TargetVersion int64  `json:"targetVersion"`
	Reason        string `json:"reason"`
}

func (a *API) handleRevert(w http.ResponseWriter, r *http.Request) {
	var payload revertPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.TargetVersion < 1 {
		writeError(w, domain.NewValidationError("targetVersion", "must be a positive integer"))
		return
	}
	vars := mux.Vars(r)
	result, err := a.reverter.RevertToVersion(r.Context(), vars["id"], vars["schema"],
		payload.TargetVersion, auth.ActorFromContext(r.Context()), payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type bulkRevertPayload struct {
	Items  []audit.BulkRevertItem `json:"items"`
	Reason string                 `json:"reason"`
}

func (a *API) handleBulkRevert(w http.ResponseWriter, r *http.Request) {
	var payload bulkRevertPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if len(payload.Items) == 0 {
		writeError(w, domain.NewValidationError("items", "must not be empty"))
		return
	}
	for _, item := range payload.Items {
		if item.TargetVersion < 1 {
			writeError(w, domain.NewValidationError("items", "targetVersion must be a positive integer"))
			return
		}
	}
	result := a.reverter.BulkRevert(r.Context(), mux.Vars(r)["schema"], payload.Items,
		auth.ActorFromContext(r.Context()), payload.Reason)
	writeJSON(w, http.StatusOK, result)
}

// --- retention, change feed, import ---

type cleanupPayload struct {
	OlderThanDays int    `json:"olderThanDays"`
	SchemaName    string `json:"schemaName,omitempty"`
	Operation     string `json:"operation,omitempty"`
	DryRun        bool   `json:"dryRun"`
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var payload cleanupPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	result, err := a.ledger.CleanupOldAuditLogs(r.Context(), audit.CleanupRequest{
		OlderThanDays: payload.OlderThanDays,
		SchemaName:    payload.SchemaName,
		Operation:     payload.Operation,
		DryRun:        payload.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	if a.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "change feed not running"})
		return
	}
	writeJSON(w, http.StatusOK, a.feed.Status())
}

const maxImportBytes = 64 << 20

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	if a.ingestion == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ingestion not configured"})
		return
	}
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		writeError(w, domain.NewValidationError("file", "malformed multipart upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, domain.NewValidationError("file", "is required"))
		return
	}
	defer file.Close()

	summary, err := a.ingestion.Ingest(r.Context(), ingestion.Request{
		SchemaName: mux.Vars(r)["schema"],
		FileName:   header.Filename,
		Data:       file,
		Actor:      auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "export not configured"})
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, domain.NewValidationError("format", "%v", err))
		return
	}

	schemaName := mux.Vars(r)["schema"]
	if _, err := a.schemas.GetSchema(r.Context(), schemaName); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", schemaName+"."+string(format)))

	if _, err := a.exporter.Export(r.Context(), schemaName, format, w); err != nil {
		// The body may be partially written; log rather than rewrite the status.
		a.logger.Error().Err(err).Str("schema", schemaName).Msg("export failed")
	}
}
