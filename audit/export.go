package audit

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"rwadesk/core/identity"
	"rwadesk/native/escrow"
)

// Source exposes the escrow collection the exporter reads from.
type Source interface {
	List() ([][32]byte, error)
	Get(id [32]byte) (*escrow.Escrow, error)
}

// Exporter materialises the terminal escrow records as CSV and Parquet
// artefacts for offline reconciliation. Active escrows are skipped; only
// Completed and Canceled records are settled facts worth archiving.
type Exporter struct {
	source    Source
	outputDir string
	nowFn     func() time.Time
}

// NewExporter builds an exporter writing under outputDir.
func NewExporter(source Source, outputDir string) *Exporter {
	return &Exporter{
		source:    source,
		outputDir: outputDir,
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the run-directory timestamp source. Intended for
// tests.
func (e *Exporter) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// Result references the artefacts generated by a single export run.
type Result struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Count       int    `json:"count"`
}

// ReportRow summarises one terminal escrow.
type ReportRow struct {
	EscrowID  string
	Seller    string
	AssetKind string
	AssetRef  string
	Amount    string
	TokenID   string
	Valuation string
	Status    string
	Winner    string
	Bidders   int
	CreatedAt time.Time
}

func rowFromEscrow(esc *escrow.Escrow) ReportRow {
	row := ReportRow{
		EscrowID:  hex.EncodeToString(esc.ID[:]),
		Seller:    identity.FormatAddress(esc.Seller),
		AssetKind: esc.Asset.Kind.String(),
		AssetRef:  esc.Asset.ContractRef,
		Status:    esc.Status.String(),
		Bidders:   len(esc.Bidders),
		CreatedAt: time.Unix(esc.CreatedAt, 0).UTC(),
	}
	if esc.Asset.Amount != nil {
		row.Amount = esc.Asset.Amount.String()
	}
	if esc.Asset.TokenID != nil {
		row.TokenID = esc.Asset.TokenID.String()
	}
	if esc.Valuation != nil {
		row.Valuation = esc.Valuation.String()
	}
	if esc.Winner != nil {
		row.Winner = identity.FormatAddress(*esc.Winner)
	}
	return row
}

// Export collects every terminal escrow and writes the run artefacts into a
// timestamped directory. Returns the artefact paths and row count; a run
// with no terminal escrows still produces (empty) files so downstream jobs
// can rely on their presence.
func (e *Exporter) Export() (*Result, error) {
	if e == nil || e.source == nil {
		return nil, fmt.Errorf("audit: exporter not configured")
	}
	ids, err := e.source.List()
	if err != nil {
		return nil, err
	}
	rows := make([]ReportRow, 0, len(ids))
	for _, id := range ids {
		esc, err := e.source.Get(id)
		if err != nil {
			return nil, err
		}
		if !esc.Status.Terminal() {
			continue
		}
		rows = append(rows, rowFromEscrow(esc))
	}

	runDir := filepath.Join(e.outputDir, e.nowFn().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create run dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "settlements.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "settlements.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	return &Result{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"escrow_id", "seller", "asset_kind", "asset_ref", "amount", "token_id",
		"valuation", "status", "winner", "bidders", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.EscrowID,
			row.Seller,
			row.AssetKind,
			row.AssetRef,
			row.Amount,
			row.TokenID,
			row.Valuation,
			row.Status,
			row.Winner,
			fmt.Sprintf("%d", row.Bidders),
			row.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EscrowID  string `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller    string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetKind string `parquet:"name=asset_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetRef  string `parquet:"name=asset_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID   string `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Valuation string `parquet:"name=valuation, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Winner    string `parquet:"name=winner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bidders   int32  `parquet:"name=bidders, type=INT32"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			EscrowID:  row.EscrowID,
			Seller:    row.Seller,
			AssetKind: row.AssetKind,
			AssetRef:  row.AssetRef,
			Amount:    row.Amount,
			TokenID:   row.TokenID,
			Valuation: row.Valuation,
			Status:    row.Status,
			Winner:    row.Winner,
			Bidders:   int32(row.Bidders),
			CreatedAt: row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
