package item

// ExportHeader is the first line of a JSONL knowledge-base export.
type ExportHeader struct {
	MarginExport  bool   `json:"_margin_export"`
	SchemaVersion string `json:"schema_version"`
	KB            string `json:"kb"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRecord is one item line in a JSONL export, with its extracted
// sub-items nested so the file can be read back one parent at a time.
type ExportRecord struct {
	ID        string      `json:"id"`
	RawText   string      `json:"raw_text"`
	Type      Type        `json:"item_type"`
	Tags      []string    `json:"tags"`
	Summary   string      `json:"summary"`
	SourceURL *string     `json:"source_url"`
	CreatedAt int64       `json:"created_at"`
	Extracted []Extracted `json:"extracted_items,omitempty"`
	TokensEst int         `json:"tokens_estimate"`
	RawChars  int         `json:"raw_chars"`
}

// ToExportRecord converts an item and its sub-items to an export line.
// URL content is left out; it can be refetched from SourceURL.
func ToExportRecord(it *Item, extracted []Extracted) *ExportRecord {
	return &ExportRecord{
		ID:        it.ID,
		RawText:   it.RawText,
		Type:      it.Type,
		Tags:      it.Tags,
		Summary:   it.Summary,
		SourceURL: it.SourceURL,
		CreatedAt: it.CreatedAt,
		Extracted: extracted,
		TokensEst: EstimateTokens(it.RawText),
		RawChars:  CountChars(it.RawText),
	}
}
