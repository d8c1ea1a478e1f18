package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// Narrow store interfaces required by the archiver. The archiver only needs
// paged read access to old records, not the full domain store interfaces; the
// Postgres stores satisfy these implicitly.

// TickArchiveStore provides paged read access to ticks for archival.
type TickArchiveStore interface {
	ListRange(ctx context.Context, instrumentKeys []string, from, to time.Time, limit, offset int) ([]domain.Tick, error)
}

// BarArchiveStore provides paged read access to bars for archival.
type BarArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.Bar, error)
}

// TradeArchiveStore provides paged read access to trade entry and exit
// records for archival.
type TradeArchiveStore interface {
	ListEntriesBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.TradeSignal, error)
	ListExitsBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.TradeExit, error)
}

// archivePageSize bounds how many records each store query loads at once.
const archivePageSize = 5000

// Archiver serialises old ticks, bars and trade records to JSONL and uploads
// them to object storage, partitioned by the cutoff day.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; the retention loop deletes only after the archive
// upload has succeeded.
type Archiver struct {
	writer domain.BlobWriter
	ticks  TickArchiveStore
	bars   BarArchiveStore
	trades TradeArchiveStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, ticks TickArchiveStore, bars BarArchiveStore, trades TradeArchiveStore) *Archiver {
	return &Archiver{
		writer: writer,
		ticks:  ticks,
		bars:   bars,
		trades: trades,
	}
}

// ArchiveTicks uploads all ticks older than the cutoff to
// archive/ticks/YYYY-MM-DD.jsonl and returns the number of records archived.
func (a *Archiver) ArchiveTicks(ctx context.Context, before time.Time) (int64, error) {
	var buf bytes.Buffer
	var count int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.ticks.ListRange(ctx, nil, time.Unix(0, 0), before, archivePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive ticks query: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := appendJSONL(&buf, page); err != nil {
			return 0, fmt.Errorf("s3blob: archive ticks marshal: %w", err)
		}
		count += int64(len(page))
	}
	if count == 0 {
		return 0, nil
	}

	path := archivePath("ticks", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive ticks upload: %w", err)
	}
	return count, nil
}

// ArchiveBars uploads all bars older than the cutoff to
// archive/bars/YYYY-MM-DD.jsonl and returns the number of records archived.
func (a *Archiver) ArchiveBars(ctx context.Context, before time.Time) (int64, error) {
	var buf bytes.Buffer
	var count int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.bars.ListBefore(ctx, before, archivePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive bars query: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := appendJSONL(&buf, page); err != nil {
			return 0, fmt.Errorf("s3blob: archive bars marshal: %w", err)
		}
		count += int64(len(page))
	}
	if count == 0 {
		return 0, nil
	}

	path := archivePath("bars", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive bars upload: %w", err)
	}
	return count, nil
}

// ArchiveTrades uploads trade entry and exit records older than the cutoff to
// archive/entries/YYYY-MM-DD.jsonl and archive/exits/YYYY-MM-DD.jsonl. It
// returns the combined number of records archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	var entryBuf bytes.Buffer
	var entries int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.trades.ListEntriesBefore(ctx, before, archivePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive entries query: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := appendJSONL(&entryBuf, page); err != nil {
			return 0, fmt.Errorf("s3blob: archive entries marshal: %w", err)
		}
		entries += int64(len(page))
	}

	var exitBuf bytes.Buffer
	var exits int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.trades.ListExitsBefore(ctx, before, archivePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive exits query: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := appendJSONL(&exitBuf, page); err != nil {
			return 0, fmt.Errorf("s3blob: archive exits marshal: %w", err)
		}
		exits += int64(len(page))
	}

	if entries > 0 {
		path := archivePath("entries", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(entryBuf.Bytes()), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive entries upload: %w", err)
		}
	}
	if exits > 0 {
		path := archivePath("exits", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(exitBuf.Bytes()), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive exits upload: %w", err)
		}
	}
	return entries + exits, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// day of the cutoff time.
//
//	archive/ticks/2025-01-15.jsonl
//	archive/bars/2025-01-15.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01-02"))
}

// appendJSONL serialises records as newline-delimited JSON into buf.
func appendJSONL[T any](buf *bytes.Buffer, records []T) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return nil
}
