// Package export serializes persisted records to interchange formats.
// It consumes the store's insertion-order query and never touches the
// collection pipeline itself.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/convoharvest/convoharvest/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format is an export output format.
type Format string

const (
	// FormatJSON writes one JSON document with all records.
	FormatJSON Format = "json"

	// FormatCSV writes one row per record.
	FormatCSV Format = "csv"
)

// Options control one export run.
type Options struct {
	// Format of the output file.
	Format Format

	// Directory the file is written to (created if missing).
	Directory string

	// FilenameTemplate names the file; "{timestamp}" is substituted
	// with the export time. The format extension is appended.
	FilenameTemplate string

	// IncludeMetadata wraps JSON output in an envelope with export
	// metadata. Ignored for CSV.
	IncludeMetadata bool
}

// DefaultOptions returns sensible export defaults.
func DefaultOptions() Options {
	return Options{
		Format:           FormatJSON,
		Directory:        "./output",
		FilenameTemplate: "harvest_{timestamp}",
		IncludeMetadata:  true,
	}
}

// Exporter writes a session's records to disk.
type Exporter struct {
	reader store.RecordReader
	opts   Options
	logger zerolog.Logger
}

// NewExporter creates an exporter over a record reader.
func NewExporter(reader store.RecordReader, opts Options) *Exporter {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Directory == "" {
		opts.Directory = "."
	}
	if opts.FilenameTemplate == "" {
		opts.FilenameTemplate = "harvest_{timestamp}"
	}
	return &Exporter{
		reader: reader,
		opts:   opts,
		logger: log.With().Str("component", "exporter").Logger(),
	}
}

// jsonEnvelope is the metadata wrapper for JSON exports.
type jsonEnvelope struct {
	Metadata struct {
		SessionID   string    `json:"session_id"`
		ExportedAt  time.Time `json:"exported_at"`
		RecordCount int       `json:"record_count"`
	} `json:"metadata"`
	Records []store.Record `json:"records"`
}

// Export writes all records of a session in insertion order and returns
// the path of the written file.
func (e *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	records, err := e.reader.RecordsForSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("read records: %w", err)
	}

	if err := os.MkdirAll(e.opts.Directory, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	name := strings.ReplaceAll(e.opts.FilenameTemplate, "{timestamp}", time.Now().Format("20060102_150405"))
	path := filepath.Join(e.opts.Directory, SanitizeFilename(name)+"."+string(e.opts.Format))

	switch e.opts.Format {
	case FormatJSON:
		err = e.writeJSON(path, sessionID, records)
	case FormatCSV:
		err = e.writeCSV(path, records)
	default:
		return "", fmt.Errorf("unknown export format %q", e.opts.Format)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("path", path).
		Int("records", len(records)).
		Msg("Export complete")

	return path, nil
}

func (e *Exporter) writeJSON(path, sessionID string, records []store.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	if !e.opts.IncludeMetadata {
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode records: %w", err)
		}
		return nil
	}

	var env jsonEnvelope
	env.Metadata.SessionID = sessionID
	env.Metadata.ExportedAt = time.Now()
	env.Metadata.RecordCount = len(records)
	env.Records = records
	if env.Records == nil {
		env.Records = []store.Record{}
	}
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

func (e *Exporter) writeCSV(path string, records []store.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"external_id", "parent_id", "collected_at", "payload"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.ExternalID,
			rec.ParentID,
			rec.CollectedAt.Format(time.RFC3339),
			string(rec.Payload),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write record %q: %w", rec.ExternalID, err)
		}
	}
	w.Flush()
	return w.Error()
}

// SanitizeFilename strips characters that are unsafe in filenames and
// caps the length.
func SanitizeFilename(name string) string {
	const invalid = `<>:"/\|?*`
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalid, r) {
			return '_'
		}
		return r
	}, name)
	out = strings.Trim(out, ". ")
	// Truncate on a rune boundary so multi-byte names stay valid UTF-8.
	if runes := []rune(out); len(runes) > 200 {
		out = string(runes[:200])
	}
	return out
}
