package elasticsearch

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBulkResponse(t *testing.T) {
	body := `{
		"took": 12,
		"errors": true,
		"items": [
			{"index": {"_id": "101", "status": 201}},
			{"index": {"_id": "102", "status": 200}},
			{"index": {"_id": "103", "status": 400, "error": {"type": "mapper_parsing_exception", "reason": "failed to parse field [apertura]"}}},
			{"index": {"_id": "104", "status": 201}}
		]
	}`

	outcome, err := parseBulkResponse(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Succeeded)
	require.Len(t, outcome.Failed, 1)
	require.Equal(t, int64(103), outcome.Failed[0].ID)
	require.Equal(t, 400, outcome.Failed[0].Status)
	require.Contains(t, outcome.Failed[0].Reason, "mapper_parsing_exception")
}

func TestParseBulkResponseAllSucceeded(t *testing.T) {
	body := `{"errors": false, "items": [{"index": {"_id": "1", "status": 200}}, {"index": {"_id": "2", "status": 201}}]}`

	outcome, err := parseBulkResponse(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Succeeded)
	require.Empty(t, outcome.Failed)
}

func TestParseBulkResponseMalformed(t *testing.T) {
	_, err := parseBulkResponse(strings.NewReader("not json"))
	require.Error(t, err)
}

func TestTransientStatus(t *testing.T) {
	require.True(t, transientStatus(http.StatusInternalServerError))
	require.True(t, transientStatus(http.StatusServiceUnavailable))
	require.True(t, transientStatus(http.StatusTooManyRequests))

	require.False(t, transientStatus(http.StatusBadRequest))
	require.False(t, transientStatus(http.StatusNotFound))
	require.False(t, transientStatus(http.StatusConflict))
}
