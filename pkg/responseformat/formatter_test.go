package responseformat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type payload struct {
	RunNumber int     `json:"run_number"`
	Tau4      float64 `json:"tau4"`
}

func TestWriteResponseJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs/1", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, NewFormatter().WriteResponse(rec, req, payload{RunNumber: 1, Tau4: 0.05}, map[string]string{"Cache-Control": "max-age=60"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypeJSON, rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "max-age=60", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"run_number":1,"tau4":0.05}`, rec.Body.String())
}

func TestWriteResponseMsgPack(t *testing.T) {
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/runs/1?format=msgpack", nil),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/runs/1", nil)
			r.Header.Set("Accept", "application/x-msgpack")
			return r
		}(),
	} {
		rec := httptest.NewRecorder()
		require.NoError(t, NewFormatter().WriteResponse(rec, req, payload{RunNumber: 2, Tau4: 0.1}, nil))
		assert.Equal(t, ContentTypeMsgPack, rec.Header().Get("Content-Type"))

		var got map[string]any
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &got))
		assert.EqualValues(t, 2, got["run_number"])
		assert.Equal(t, 0.1, got["tau4"])
	}
}

func TestWriteError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs/x", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, NewFormatter().WriteError(rec, req, http.StatusNotFound, "run 7 is not in the catalog"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorBody{Error: "Not Found", Message: "run 7 is not in the catalog"}, body)
}
