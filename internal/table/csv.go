package table

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/executor"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// CSV import/export. The header row is column names; empty fields are
// nulls, vectors travel as JSON arrays, and rows missing generated columns
// are generated on import. Exports page through the table in insertion
// order so import(export(T)) reproduces T's rows.

// importErrorLimit caps how many cell errors one import reports.
const importErrorLimit = 20

// exportBatch is the page size for streaming exports.
const exportBatch = 500

// ImportData parses delimiter-separated data and adds its rows to the
// table. An ID column in the header preserves row ids; otherwise fresh ids
// are assigned. Cell errors are collected across the whole file and fail
// the import as one report.
func (s *Service) ImportData(ctx context.Context, org *models.Organization, ref store.TableRef,
	r io.Reader, delimiter rune) ([]models.Row, error) {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	reader := csv.NewReader(r)
	if delimiter != 0 {
		reader.Comma = delimiter
	}

	header, err := reader.Read()
	if err != nil {
		return nil, errs.BadInput("empty or unreadable file: %v", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF") // BOM
	}
	cols := make([]*models.ColumnSchema, len(header))
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		col, ok := schema.Column(name)
		if !ok {
			return nil, errs.BadInput("column %q does not exist", name)
		}
		if seen[name] {
			return nil, errs.BadInput("duplicate column %q in header", name)
		}
		seen[name] = true
		cols[i] = col
	}

	var rows []models.Row
	var cellErrs []string
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.BadInput("malformed file: %v", err)
		}
		line++
		row := models.Row{}
		for i, field := range record {
			col := cols[i]
			switch col.ID {
			case models.ColID:
				if v := strings.TrimSpace(field); v != "" {
					row[models.ColID] = models.Cell{Value: v}
				}
				continue
			case models.ColUpdatedAt:
				// Stamped on insert.
				continue
			}
			if field == "" {
				continue
			}
			v, err := models.CoerceCellText(col, field)
			if err != nil {
				if len(cellErrs) < importErrorLimit {
					cellErrs = append(cellErrs, fmt.Sprintf("line %d: %v", line, err))
				}
				continue
			}
			row[col.ID] = models.Cell{Value: v}
		}
		if row.ID() == "" {
			row[models.ColID] = models.Cell{Value: uuid.Must(uuid.NewV7()).String()}
		}
		rows = append(rows, row)
	}
	if len(cellErrs) > 0 {
		return nil, errs.BadInput("import failed: %s", strings.Join(cellErrs, "; "))
	}
	if len(rows) == 0 {
		return nil, errs.BadInput("file contains no rows")
	}

	log.Info().Str("table_id", ref.TableID).Int("rows", len(rows)).Msg("Table: importing rows")
	return s.ex.Add(ctx, &executor.AddJob{Org: org, Ref: ref, Schema: schema, Rows: rows})
}

// ExportData streams the table as delimiter-separated text. columns
// narrows the export; info columns always lead.
func (s *Service) ExportData(ctx context.Context, ref store.TableRef, w io.Writer,
	delimiter rune, columns []string) error {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return translateStore(err)
	}
	if err := validateColumns(schema, columns); err != nil {
		return err
	}

	var header []string
	if len(columns) == 0 {
		for _, c := range schema.Cols {
			header = append(header, c.ID)
		}
	} else {
		header = []string{models.ColID, models.ColUpdatedAt}
		for _, c := range columns {
			if !models.IsInfoColumn(c) {
				header = append(header, c)
			}
		}
	}

	writer := csv.NewWriter(w)
	if delimiter != 0 {
		writer.Comma = delimiter
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for offset := 0; ; offset += exportBatch {
		rows, _, err := s.store.ListRows(ctx, ref, store.RowQuery{
			Offset: offset, Limit: exportBatch, OrderBy: models.ColID, OrderAscending: true,
		})
		if err != nil {
			return translateStore(err)
		}
		for _, row := range rows {
			for i, col := range header {
				record[i] = models.CellText(row[col].Value)
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		if len(rows) < exportBatch {
			break
		}
	}
	writer.Flush()
	return writer.Error()
}
