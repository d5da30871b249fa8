// Package ingestion loads tabular files (CSV, XLSX) into a dynamic
// collection. Rows are inserted in bulk and each inserted document gets a
// ledger entry with source=bulk, so bulk loads stay visible in audit history
// without going through the per-request API path.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/registry"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned when an uploaded file is not CSV or XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// RowValidator checks one parsed row before insertion. Nil disables the check.
type RowValidator interface {
	ValidateRow(ctx context.Context, schemaName string, row map[string]any) error
}

// Service ingests tabular data into dynamic collections.
type Service struct {
	models    *registry.ModelRegistry
	ledger    *audit.Ledger
	validator RowValidator
	logger    zerolog.Logger
}

// NewService creates the ingestion service. validator may be nil.
func NewService(models *registry.ModelRegistry, ledger *audit.Ledger, validator RowValidator, logger zerolog.Logger) *Service {
	return &Service{
		models:    models,
		ledger:    ledger,
		validator: validator,
		logger:    logger.With().Str("component", "ingestion").Logger(),
	}
}

// Request describes one ingestion upload.
type Request struct {
	SchemaName string
	FileName   string
	Data       io.Reader
	Actor      domain.Actor
}

// RowError reports one rejected row. RowNumber is 1-based and counts data
// rows, excluding the header.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary reports the outcome of one ingestion.
type Summary struct {
	SchemaName string     `json:"schemaName"`
	FileName   string     `json:"fileName"`
	TotalRows  int        `json:"totalRows"`
	Inserted   int        `json:"inserted"`
	Failed     int        `json:"failed"`
	Errors     []RowError `json:"errors,omitempty"`
}

// Ingest parses the upload, inserts every valid row, and logs one bulk ledger
// entry per inserted document. Row failures are collected; the rest of the
// file still loads.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	if req.SchemaName == "" {
		return Summary{}, domain.NewValidationError("schemaName", "is required")
	}
	model, err := s.models.GetModel(req.SchemaName)
	if err != nil {
		return Summary{}, err
	}

	headers, rows, err := readTable(req.FileName, req.Data)
	if err != nil {
		return Summary{}, err
	}
	if len(headers) == 0 {
		return Summary{}, domain.NewValidationError("file", "missing header row")
	}

	summary := Summary{SchemaName: req.SchemaName, FileName: req.FileName, TotalRows: len(rows)}
	valid := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		data := rowToDocument(headers, row)
		if len(data) == 0 {
			summary.Errors = append(summary.Errors, RowError{RowNumber: i + 1, Message: "empty row"})
			continue
		}
		if s.validator != nil {
			if err := s.validator.ValidateRow(ctx, req.SchemaName, data); err != nil {
				summary.Errors = append(summary.Errors, RowError{RowNumber: i + 1, Message: err.Error()})
				continue
			}
		}
		valid = append(valid, domain.StripSystemFields(data))
	}
	summary.Failed = len(summary.Errors)

	if len(valid) == 0 {
		return summary, nil
	}

	docs, err := model.InsertMany(ctx, valid)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to insert %s rows: %w", req.SchemaName, err)
	}
	summary.Inserted = len(docs)

	for _, doc := range docs {
		_, err := s.ledger.LogChange(ctx, audit.ChangeRecord{
			DocumentID:     doc.ID.String(),
			SchemaName:     req.SchemaName,
			CollectionName: doc.CollectionName,
			Operation:      domain.OperationCreate,
			CurrentState:   doc.Snapshot(),
			Actor:          req.Actor,
			Metadata: map[string]any{
				domain.MetaSource:    domain.SourceBulk,
				domain.MetaChangeKey: domain.ChangeKey(doc.CollectionName, doc.ID.String(), doc.Revision),
			},
		})
		if err != nil {
			s.logger.Warn().
				Str("document_id", doc.ID.String()).
				Err(err).
				Msg("bulk audit entry failed, row still inserted")
		}
	}

	s.logger.Info().
		Str("schema", req.SchemaName).
		Str("file", req.FileName).
		Int("inserted", summary.Inserted).
		Int("failed", summary.Failed).
		Msg("ingestion finished")
	return summary, nil
}

func readTable(fileName string, data io.Reader) ([]string, [][]string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return readCSV(data)
	case ".xlsx":
		return readXLSX(data)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileName)
	}
}

func readCSV(data io.Reader) ([]string, [][]string, error) {
	buffered := bufio.NewReader(data)
	if lead, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(lead, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}

	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

func readXLSX(data io.Reader) ([]string, [][]string, error) {
	workbook, err := excelize.OpenReader(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, nil
	}
	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	return rows[0], rows[1:], nil
}

// rowToDocument zips headers with cells, coercing obvious scalar types.
// Blank cells and blank headers are omitted.
func rowToDocument(headers []string, row []string) map[string]any {
	data := map[string]any{}
	for i, header := range headers {
		header = strings.TrimSpace(header)
		if header == "" || i >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[i])
		if cell == "" {
			continue
		}
		data[header] = coerceValue(cell)
	}
	return data
}

func coerceValue(cell string) any {
	if b, err := strconv.ParseBool(strings.ToLower(cell)); err == nil &&
		(strings.EqualFold(cell, "true") || strings.EqualFold(cell, "false")) {
		return b
	}
	if n, err := strconv.ParseFloat(cell, 64); err == nil {
		return n
	}
	return cell
}
