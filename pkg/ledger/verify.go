package ledger

import (
	"context"
	"errors"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
)

const verifyPageSize = 500

// VerifyReport summarizes a successful verification.
type VerifyReport struct {
	EventsChecked int64  `json:"events_checked"`
	LegacyEvents  int64  `json:"legacy_events"`
	TailHash      string `json:"tail_hash,omitempty"`
	LastEventID   int64  `json:"last_event_id,omitempty"`
}

// VerifyStore walks the whole chain in id order, page by page. Integrity
// failures are returned as *chain.IntegrityError.
func VerifyStore(ctx context.Context, s Store) (VerifyReport, error) {
	return VerifyUpTo(ctx, s, 0)
}

// VerifyUpTo verifies from genesis through event upTo (0 means the tail).
func VerifyUpTo(ctx context.Context, s Store, upTo int64) (rep VerifyReport, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.verify")
	defer func() { observability.EndSpan(span, err) }()

	var anchor *string
	after := int64(0)
	for {
		page, err := s.List(ctx, Query{AfterID: after, UpToID: upTo, Limit: verifyPageSize})
		if err != nil {
			return rep, err
		}
		if len(page) == 0 {
			return rep, nil
		}

		records := Records(page)
		if err := chain.VerifyFrom(anchor, records); err != nil {
			var ie *chain.IntegrityError
			if errors.As(err, &ie) {
				observability.Add(ctx, observability.Metrics().IntegrityFailures,
					observability.AttrIntegrity.String(ie.Kind.Error()))
				ie.Index += int(rep.EventsChecked)
			}
			return rep, err
		}
		for _, r := range records {
			if f, err := chain.MatchFormat(r); err == nil && f.Name == chain.FormatLegacy.Name {
				rep.LegacyEvents++
			}
		}

		last := page[len(page)-1]
		rep.EventsChecked += int64(len(page))
		rep.TailHash = last.BlockHash
		rep.LastEventID = last.ID
		h := last.BlockHash
		anchor = &h
		after = last.ID
		if len(page) < verifyPageSize {
			return rep, nil
		}
	}
}
