package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

// ImportMode controls what happens when an imported item id already exists.
type ImportMode string

const (
	ImportModeError  ImportMode = "error"  // import nothing on any collision
	ImportModeSkip   ImportMode = "skip"   // keep the stored item
	ImportModeRename ImportMode = "rename" // store under fresh ids
)

// ParseImportMode validates s. Empty means ImportModeError.
func ParseImportMode(s string) (ImportMode, error) {
	switch m := ImportMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ImportModeError, nil
	case ImportModeError, ImportModeSkip, ImportModeRename:
		return m, nil
	}
	return "", errors.NewInvalidRequest("mode must be one of: error, skip, rename")
}

// ImportOutput contains the result of an items import.
type ImportOutput struct {
	KB       string        `json:"kb"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one rejected line or record.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LineRecord is a parsed export record with its line number.
type LineRecord struct {
	Line   int
	Record item.ExportRecord
}

// maxLineBytes bounds one JSONL line; raw texts can be long.
const maxLineBytes = 16 << 20

// ReadItems parses a JSONL export. The header line is returned when
// present; lines that are not valid item records are reported and left
// out.
func ReadItems(r io.Reader) (*item.ExportHeader, []LineRecord, []ImportError) {
	var (
		header  *item.ExportHeader
		records []LineRecord
		errs    []ImportError
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var peek struct {
			MarginExport bool `json:"_margin_export"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			errs = append(errs, ImportError{Line: lineNum, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if peek.MarginExport {
			var h item.ExportHeader
			if err := json.Unmarshal(line, &h); err == nil && header == nil {
				header = &h
			}
			continue
		}

		var rec item.ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			errs = append(errs, ImportError{Line: lineNum, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid record: %v", err)})
			continue
		}
		if msg := checkRecord(&rec); msg != "" {
			errs = append(errs, ImportError{Line: lineNum, ID: rec.ID, Code: "INVALID_RECORD", Message: msg})
			continue
		}
		records = append(records, LineRecord{Line: lineNum, Record: rec})
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, ImportError{Line: lineNum, Code: "READ_ERROR", Message: fmt.Sprintf("failed to read file: %v", err)})
	}
	return header, records, errs
}

func checkRecord(r *item.ExportRecord) string {
	switch {
	case r.ID == "":
		return "missing id field"
	case strings.TrimSpace(r.RawText) == "":
		return "missing raw_text"
	case r.Type == "":
		return "missing item_type"
	case strings.TrimSpace(r.Summary) == "":
		return "missing summary"
	case r.CreatedAt <= 0:
		return "missing created_at"
	}
	return ""
}
