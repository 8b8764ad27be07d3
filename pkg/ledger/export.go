package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
)

// ExportDocument is the offline auditor format: the verification input
// sequence plus enough context to compare against an anchor.
type ExportDocument struct {
	ExportedAt string         `json:"exported_at"`
	Count      int            `json:"count"`
	TailHash   string         `json:"tail_hash,omitempty"`
	Events     []chain.Record `json:"events"`
}

// Export writes every event in id order as an ExportDocument.
func Export(ctx context.Context, s Store, w io.Writer, now time.Time) (ExportDocument, error) {
	doc := ExportDocument{ExportedAt: now.UTC().Format(time.RFC3339), Events: []chain.Record{}}
	after := int64(0)
	for {
		page, err := s.List(ctx, Query{AfterID: after, Limit: verifyPageSize})
		if err != nil {
			return doc, err
		}
		doc.Events = append(doc.Events, Records(page)...)
		if len(page) < verifyPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	doc.Count = len(doc.Events)
	if doc.Count > 0 {
		doc.TailHash = doc.Events[doc.Count-1].BlockHash
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return doc, fmt.Errorf("ledger: write export: %w", err)
	}
	return doc, nil
}

// ReadExport accepts either an ExportDocument or a bare array of records.
func ReadExport(r io.Reader) ([]chain.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err == nil && doc.Events != nil {
		return doc.Events, nil
	}
	var records []chain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("ledger: export is neither a document nor a record array: %w", err)
	}
	return records, nil
}
