// Package export writes a collection's live documents out as CSV or XLSX
// downloads, the inverse of bulk ingestion.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/registry"
)

// ErrUnsupportedFormat rejects export formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

const pageSize = 500

// Format selects the output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query-string value onto a Format. Empty defaults to CSV.
func ParseFormat(value string) (Format, error) {
	switch value {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

// ContentType returns the MIME type for download responses.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Summary reports what an export produced.
type Summary struct {
	SchemaName string `json:"schemaName"`
	Rows       int    `json:"rows"`
	Columns    int    `json:"columns"`
}

// Service streams collection snapshots to a writer.
type Service struct {
	models *registry.ModelRegistry
	logger zerolog.Logger
}

// NewService creates the export service.
func NewService(models *registry.ModelRegistry, logger zerolog.Logger) *Service {
	return &Service{models: models, logger: logger.With().Str("component", "export").Logger()}
}

// Export writes every document of the schema's collection to w. The header
// row carries the system columns first, then the sorted union of business
// field names across all exported documents.
func (s *Service) Export(ctx context.Context, schemaName string, format Format, w io.Writer) (Summary, error) {
	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return Summary{}, err
	}

	docs, err := s.fetchAll(ctx, model)
	if err != nil {
		return Summary{}, fmt.Errorf("fetching documents for export: %w", err)
	}

	header := buildHeader(docs)
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, buildRow(header, doc))
	}

	switch format {
	case FormatXLSX:
		err = writeXLSX(w, header, rows)
	default:
		err = writeCSV(w, header, rows)
	}
	if err != nil {
		return Summary{}, err
	}

	s.logger.Info().
		Str("schema", schemaName).
		Int("rows", len(rows)).
		Str("format", string(format)).
		Msg("collection exported")

	return Summary{SchemaName: schemaName, Rows: len(rows), Columns: len(header)}, nil
}

func (s *Service) fetchAll(ctx context.Context, model *registry.DocumentModel) ([]domain.Document, error) {
	var all []domain.Document
	for offset := 0; ; offset += pageSize {
		page, _, err := model.Find(ctx, nil, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

var systemColumns = []string{"id", "revision", "createdAt", "updatedAt"}

func buildHeader(docs []domain.Document) []string {
	fields := map[string]struct{}{}
	for _, doc := range docs {
		for name := range doc.Data {
			fields[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(append([]string{}, systemColumns...), names...)
}

func buildRow(header []string, doc domain.Document) []string {
	row := make([]string, len(header))
	row[0] = doc.ID.String()
	row[1] = strconv.FormatInt(doc.Revision, 10)
	row[2] = doc.CreatedAt.UTC().Format(time.RFC3339)
	row[3] = doc.UpdatedAt.UTC().Format(time.RFC3339)
	for i, name := range header[len(systemColumns):] {
		row[len(systemColumns)+i] = cellValue(doc.Data[name])
	}
	return row
}

func cellValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		// Arrays and nested objects round-trip as JSON text.
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, header []string, rows [][]string) error {
	file := excelize.NewFile()
	defer file.Close()

	sheet := file.GetSheetName(0)
	if err := setRow(file, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range rows {
		if err := setRow(file, sheet, i+2, row); err != nil {
			return err
		}
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func setRow(file *excelize.File, sheet string, rowNumber int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNumber)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := file.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("writing workbook row %d: %w", rowNumber, err)
	}
	return nil
}
