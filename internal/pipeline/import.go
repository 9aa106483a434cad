package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/export"
	"github.com/hpungsan/margin/internal/item"
)

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	// KB defaults to the knowledge base named in the file header.
	KB   string
	Path string
	Mode export.ImportMode
}

// Import reads a JSONL export and stores its items. All accepted items are
// written in one transaction. In error mode any unreadable line or id
// collision imports nothing.
func (p *Pipeline) Import(ctx context.Context, in ImportInput) (*export.ImportOutput, error) {
	if in.Path == "" {
		return nil, errors.NewInvalidRequest("path is required")
	}
	mode, err := export.ParseImportMode(string(in.Mode))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(in.Path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFound("file", in.Path)
	}
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer f.Close()

	header, records, lineErrs := export.ReadItems(f)

	kb := in.KB
	if kb == "" && header != nil {
		kb = header.KB
	}
	if kb, err = NormalizeKB(kb); err != nil {
		return nil, err
	}

	out := &export.ImportOutput{KB: kb, Errors: lineErrs}
	if out.Errors == nil {
		out.Errors = []export.ImportError{}
	}
	if mode == export.ImportModeError && len(lineErrs) > 0 {
		return out, nil
	}
	out.Skipped = len(lineErrs)

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].Record.ID
	}
	taken, err := db.ExistingItemIDs(ctx, p.db, ids)
	if err != nil {
		return nil, err
	}

	captures := make([]db.Capture, 0, len(records))
	for i := range records {
		lr := &records[i]
		rec := &lr.Record
		if taken[rec.ID] {
			switch mode {
			case export.ImportModeError:
				out.Errors = append(out.Errors, export.ImportError{
					Line:    lr.Line,
					ID:      rec.ID,
					Code:    "ID_COLLISION",
					Message: fmt.Sprintf("item with id %q already exists", rec.ID),
				})
				return out, nil
			case export.ImportModeSkip:
				out.Skipped++
				continue
			}
		}
		c := importedCapture(kb, rec, mode == export.ImportModeRename && taken[rec.ID])
		taken[c.Item.ID] = true
		captures = append(captures, c)
	}

	if err := db.InsertCaptures(ctx, p.db, captures); err != nil {
		return nil, err
	}
	out.Imported = len(captures)

	p.log.Info("items imported",
		zap.String("kb", kb),
		zap.String("path", in.Path),
		zap.Int("imported", out.Imported),
		zap.Int("skipped", out.Skipped))
	return out, nil
}

// importedCapture rebuilds an item from an export record. With fresh set,
// the item and its sub-items get new ids.
func importedCapture(kb string, rec *item.ExportRecord, fresh bool) db.Capture {
	it := &item.Item{
		ID:        rec.ID,
		KB:        kb,
		RawText:   rec.RawText,
		Type:      rec.Type,
		Tags:      rec.Tags,
		Summary:   rec.Summary,
		SourceURL: rec.SourceURL,
		CreatedAt: rec.CreatedAt,
	}
	if fresh {
		it.ID = db.NewID()
	}
	subs := make([]item.Extracted, len(rec.Extracted))
	for i, e := range rec.Extracted {
		e.ParentID = it.ID
		e.KB = kb
		if fresh {
			e.ID = db.NewID()
		}
		subs[i] = e
	}
	return db.Capture{Item: it, Extracted: subs}
}
