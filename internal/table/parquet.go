package table

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Parquet table dumps. One file holds every row plus the schema as the
// "table_meta" file metadata key, so a dump re-creates the table (gen
// configs included) on import. Cells keep their full envelopes — original
// values and references survive, unlike CSV.

// tableMetaKey is the parquet file-metadata key carrying the schema JSON.
const tableMetaKey = "table_meta"

// dumpRow is the parquet row shape: info columns as plain fields, every
// other cell JSON-encoded with its envelope. JSON trades a little size for
// surviving schema differences between deployments.
type dumpRow struct {
	ID        string `parquet:"id"`
	UpdatedAt string `parquet:"updated_at"`
	Cells     string `parquet:"cells"`
}

// ExportTable writes the whole table as a parquet dump.
func (s *Service) ExportTable(ctx context.Context, ref store.TableRef, w io.Writer) error {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return translateStore(err)
	}
	metaJSON, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	writer := parquet.NewGenericWriter[dumpRow](w, parquet.KeyValueMetadata(tableMetaKey, string(metaJSON)))
	exported := 0
	for offset := 0; ; offset += exportBatch {
		rows, _, err := s.store.ListRows(ctx, ref, store.RowQuery{
			Offset: offset, Limit: exportBatch, OrderBy: models.ColID, OrderAscending: true,
		})
		if err != nil {
			return translateStore(err)
		}
		if len(rows) > 0 {
			dump := make([]dumpRow, len(rows))
			for i, row := range rows {
				dump[i], err = toDumpRow(row)
				if err != nil {
					return err
				}
			}
			if _, err := writer.Write(dump); err != nil {
				return err
			}
			exported += len(rows)
		}
		if len(rows) < exportBatch {
			break
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	log.Info().Str("table_id", ref.TableID).Int("rows", exported).Msg("Table: exported parquet dump")
	return nil
}

func toDumpRow(row models.Row) (dumpRow, error) {
	cells := make(map[string]models.Cell, len(row))
	for col, cell := range row {
		if !models.IsInfoColumn(col) {
			cells[col] = cell
		}
	}
	b, err := json.Marshal(cells)
	if err != nil {
		return dumpRow{}, err
	}
	return dumpRow{ID: row.ID(), UpdatedAt: row.Str(models.ColUpdatedAt), Cells: string(b)}, nil
}

// ImportTable re-creates a table from a parquet dump. dstID overrides the
// dumped table id; importing over an existing id is a conflict. Gen configs
// are kept as dumped — models they name are validated lazily, at first use.
func (s *Service) ImportTable(ctx context.Context, projectID string, ttype models.TableType,
	data []byte, dstID string) (*Meta, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.BadInput("not a parquet file: %v", err)
	}
	metaJSON, ok := f.Lookup(tableMetaKey)
	if !ok {
		return nil, errs.BadInput("parquet file carries no %s metadata", tableMetaKey)
	}
	var schema models.TableSchema
	if err := json.Unmarshal([]byte(metaJSON), &schema); err != nil {
		return nil, errs.BadInput("invalid %s metadata: %v", tableMetaKey, err)
	}
	if dstID != "" {
		schema.ID = dstID
	}
	if err := ValidateTableID(schema.ID); err != nil {
		return nil, err
	}
	if _, err := dag.Build(ttype, &schema); err != nil {
		return nil, err
	}

	ref := store.TableRef{ProjectID: projectID, Type: ttype, TableID: schema.ID}
	if err := s.store.CreateTable(ctx, ref, &schema); err != nil {
		return nil, translateStore(err)
	}

	imported, err := s.importDumpRows(ctx, ref, &schema, data)
	if err != nil {
		// Leave no half-imported table behind.
		if derr := s.store.DeleteTable(ctx, ref); derr != nil {
			log.Error().Err(derr).Str("table_id", ref.TableID).Msg("Table: import cleanup failed")
		}
		return nil, err
	}
	log.Info().Str("project_id", projectID).Str("table_id", schema.ID).
		Int("rows", imported).Msg("Table: imported parquet dump")
	return &Meta{TableSchema: schema, NumRows: imported}, nil
}

func (s *Service) importDumpRows(ctx context.Context, ref store.TableRef,
	schema *models.TableSchema, data []byte) (int, error) {
	reader := parquet.NewGenericReader[dumpRow](bytes.NewReader(data))
	defer reader.Close()

	imported := 0
	buf := make([]dumpRow, exportBatch)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			rows := make([]models.Row, 0, n)
			for _, d := range buf[:n] {
				row, err := fromDumpRow(schema, d)
				if err != nil {
					return imported, err
				}
				rows = append(rows, row)
			}
			if err := s.store.InsertRows(ctx, ref, rows); err != nil {
				return imported, translateStore(err)
			}
			imported += n
		}
		if err == io.EOF {
			return imported, nil
		}
		if err != nil {
			return imported, errs.BadInput("malformed parquet dump: %v", err)
		}
	}
}

// fromDumpRow decodes one dumped row, re-coercing cell values: JSON erases
// the int/float distinction and turns vectors into []any.
func fromDumpRow(schema *models.TableSchema, d dumpRow) (models.Row, error) {
	var cells map[string]models.Cell
	if err := json.Unmarshal([]byte(d.Cells), &cells); err != nil {
		return nil, errs.BadInput("malformed parquet dump: %v", err)
	}
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	row := models.Row{
		models.ColID:        {Value: d.ID},
		models.ColUpdatedAt: {Value: d.UpdatedAt},
	}
	for i := range schema.Cols {
		col := &schema.Cols[i]
		if models.IsInfoColumn(col.ID) {
			continue
		}
		cell, ok := cells[col.ID]
		if !ok {
			continue
		}
		v, err := models.CoerceCell(col, cell.Value)
		if err != nil {
			return nil, errs.BadInput("row %s: %s", d.ID, err)
		}
		cell.Value = v
		if cell.Original != nil {
			if o, err := models.CoerceCell(col, cell.Original); err == nil {
				cell.Original = o
			}
		}
		row[col.ID] = cell
	}
	return row, nil
}
