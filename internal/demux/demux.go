// Package demux matches a batch response back to the submitted queries.
package demux

import (
	"errors"
	"fmt"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
)

var ErrMalformedBody = errors.New("batch body has no responses list")

// Stats counts what had to be repaired while matching
type Stats struct {
	Missing    int // Submitted refs the backend did not answer
	Unknown    int // Responses for refs that were never submitted
	Duplicates int // Extra responses for an already answered ref
}

// Demultiplex maps every submitted ref to exactly one response.
// Matching is by ref, never by position. Missing refs get a synthesized
// per-query error so the result always covers the submitted set.
func Demultiplex(qs query.Queries, body query.BatchBody) (map[string]query.QueryResponse, Stats, error) {
	var st Stats
	if body.Responses == nil {
		return nil, st, ErrMalformedBody
	}

	submitted := make(map[string]struct{}, len(qs))
	for _, q := range qs {
		submitted[q.Ref] = struct{}{}
	}

	out := make(map[string]query.QueryResponse, len(qs))
	for _, r := range body.Responses {
		if _, ok := submitted[r.Ref]; !ok {
			st.Unknown++
			continue
		}
		if _, seen := out[r.Ref]; seen {
			st.Duplicates++
			continue
		}
		out[r.Ref] = r
	}

	for _, q := range qs {
		if _, ok := out[q.Ref]; ok {
			continue
		}
		st.Missing++
		missing := query.NewErrorResponse(q.Ref, constants.ErrCodeMissingResponse,
			fmt.Sprintf("no response returned for query %q", q.Ref))
		missing.Type = q.Type
		out[q.Ref] = missing
	}

	return out, st, nil
}
