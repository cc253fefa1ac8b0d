package httptransport

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type testResponse struct {
	rr *httptest.ResponseRecorder
}

func (r *testResponse) json(t *testing.T) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(r.rr.Body.Bytes(), &body))
	return body
}
