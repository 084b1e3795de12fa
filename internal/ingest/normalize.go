package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fabfab/aconex-rag/internal/store"
)

// ErrNormalization marks records that cannot be mapped to a canonical
// document. Batch ingest logs and skips these; single-record upload surfaces
// them to the caller.
var ErrNormalization = errors.New("normalization failed")

// Schema-defined maxima for string fields. Longer values are truncated, not
// rejected.
const (
	maxTitleLen = 500
	maxShortLen = 255
)

// NormalizedDoc is the canonical document together with the text block the
// chunker consumes.
type NormalizedDoc struct {
	Doc      store.Document
	BodyText string
}

// preferredFields is the fixed order in which metadata fields appear in the
// body text. Fields outside this list follow alphabetically.
var preferredFields = []string{
	"Title", "DocumentNumber", "Category", "DocumentType", "DocumentStatus",
	"ReviewStatus", "Revision", "Filename", "FileType", "DateModified",
	"Description", "Notes",
}

// Normalize maps a raw record onto a canonical Document plus body text. The
// default project id applies when neither the record nor its metadata carries
// one.
func Normalize(rec RawRecord, defaultProjectID string) (NormalizedDoc, error) {
	if strings.TrimSpace(rec.DocumentID) == "" {
		return NormalizedDoc{}, fmt.Errorf("%w: record has no DocumentId", ErrNormalization)
	}

	projectID := rec.ProjectID
	if projectID == "" {
		projectID = rec.metaString("SelectList2")
	}
	if projectID == "" {
		projectID = defaultProjectID
	}

	doc := store.Document{
		DocumentID:   strings.TrimSpace(rec.DocumentID),
		ProjectID:    truncate(projectID, maxShortLen),
		Title:        truncate(rec.metaString("Title"), maxTitleLen),
		Number:       truncate(rec.metaString("DocumentNumber"), maxShortLen),
		Category:     truncate(rec.metaString("Category"), maxShortLen),
		DocType:      truncate(rec.metaString("DocumentType"), maxShortLen),
		Status:       truncate(rec.metaString("DocumentStatus"), maxShortLen),
		ReviewStatus: truncate(rec.metaString("ReviewStatus"), maxShortLen),
		Revision:     truncate(rec.metaString("Revision"), maxShortLen),
		Filename:     truncate(rec.metaString("Filename"), maxShortLen),
		FileType:     truncate(strings.ToLower(rec.metaString("FileType")), maxShortLen),
	}

	if rec.Kind() == KindEmail && doc.DocType == "" {
		doc.DocType = "Correo Electrónico"
	}

	if size, ok := rec.metaInt64("FileSize"); ok {
		doc.FileSize = &size
	}

	if ts := parseDate(rec.metaString("DateModified")); ts != nil {
		doc.DateModified = ts
	}

	if raw, err := json.Marshal(rec); err == nil {
		doc.Raw = raw
	}

	doc.FileContent = rec.FileBytes

	return NormalizedDoc{Doc: doc, BodyText: buildBodyText(rec, doc)}, nil
}

// buildBodyText renders the text block the chunker consumes when no richer
// content exists: title and id first, then each present metadata field in the
// preferred order, one per line. A full_text or synthetic_content field
// extends the block.
func buildBodyText(rec RawRecord, doc store.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", doc.Title)
	fmt.Fprintf(&b, "DocumentId: %s\n", doc.DocumentID)

	written := map[string]bool{"Title": true}
	for _, key := range preferredFields {
		if written[key] {
			continue
		}
		if value := rec.metaString(key); value != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
			written[key] = true
		}
	}

	var rest []string
	for key := range rec.Metadata {
		if !written[key] && key != "synthetic_content" {
			if value := rec.metaString(key); value != "" {
				rest = append(rest, key)
			}
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		fmt.Fprintf(&b, "%s: %s\n", key, rec.metaString(key))
	}

	body := strings.TrimRight(b.String(), "\n")

	content := rec.FullText
	if content == "" {
		content = rec.SyntheticContent
	}
	if content == "" {
		content = rec.metaString("synthetic_content")
	}
	if content != "" {
		body = body + "\n\n" + strings.TrimSpace(content)
	}
	return body
}

// parseDate accepts ISO-8601 with a trailing Z or explicit offset, plus the
// zoneless variants the register exports. Unparseable values become nil.
func parseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
