package httptransport

import (
	"net/http"
	"strconv"

	"carbonledger/internal/store"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/httputil"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type eventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// eventsHandler pages through committed notifications in commit order.
// Next is the cursor to pass as ?after= on the following call.
func eventsHandler(log store.EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, err := queryUint(r, "after", 0)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		limit, err := queryUint(r, "limit", defaultEventLimit)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if limit == 0 || limit > maxEventLimit {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be between 1 and 1000"))
			return
		}

		evts, err := log.ListAfter(r.Context(), after, int(limit))
		if err != nil {
			httputil.WriteError(w, dErrors.Internal(err, "failed to read events"))
			return
		}
		if evts == nil {
			evts = []events.Event{}
		}
		next := after
		if n := len(evts); n > 0 {
			next = evts[n-1].Seq
		}
		httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: evts, Next: next})
	}
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeBadRequest, key+" must be a non-negative integer")
	}
	return n, nil
}
