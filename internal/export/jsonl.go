package export

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"path/filepath"
	"time"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

// SchemaVersion is written into every JSONL export header.
const SchemaVersion = "1.0"

// ItemsOutput contains the result of an items export.
type ItemsOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// DefaultItemsPath returns <dir>/<kb>-<timestamp>.jsonl.
func DefaultItemsPath(dir, kb string, now time.Time) string {
	name := SanitizeForFilename(item.Normalize(kb)) + "-" + now.Format("2006-01-02T150405") + ".jsonl"
	return filepath.Join(dir, name)
}

// Items writes a header line and one line per record to path. path must
// sit directly in one of allowedDirs. A failing or cancelled stream leaves
// any previous file at path untouched.
func Items(ctx context.Context, path, kb string, allowedDirs []string, records iter.Seq2[*item.ExportRecord, error]) (*ItemsOutput, error) {
	if err := ValidatePath(path, ".jsonl", allowedDirs); err != nil {
		return nil, err
	}

	now := time.Now()
	count := 0
	err := WriteAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)

		header := item.ExportHeader{
			MarginExport:  true,
			SchemaVersion: SchemaVersion,
			KB:            kb,
			ExportedAt:    now.Unix(),
		}
		if err := enc.Encode(header); err != nil {
			return errors.NewInternal(err)
		}

		for rec, err := range records {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := enc.Encode(rec); err != nil {
				return errors.NewInternal(err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ItemsOutput{Path: path, Count: count, ExportedAt: now.Unix()}, nil
}
