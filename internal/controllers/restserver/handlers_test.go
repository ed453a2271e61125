package restserver

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/config"
	"github.com/bregeon/LidarEyeball/pkg/responseformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"
)

var nightStart = time.Date(2024, 3, 12, NightStartHour, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	ctx := context.Background()
	for _, s := range []types.RunSummary{
		{RunNumber: 67217, Start: nightStart.Add(9 * time.Hour), Tau4: 0.05, IsGood: true, Windows: 6, ProcessingID: "a"},
		{RunNumber: 67218, Start: nightStart.Add(10 * time.Hour), Tau4: 0.001, IsGood: false, Windows: 6, ProcessingID: "b"},
		{RunNumber: 67300, Start: nightStart.Add(48 * time.Hour), Tau4: 0.04, IsGood: true, Windows: 6, ProcessingID: "c"},
	} {
		require.NoError(t, cat.Save(ctx, s))
	}

	ctrl, err := NewController(ctx, &sync.WaitGroup{}, config.RESTServerData{}, cat, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", ctrl.Server.Addr)
	return ctrl.Handler()
}

func get(t *testing.T, h http.Handler, target string, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetRun(t *testing.T) {
	h := newTestServer(t)

	rec := get(t, h, "/runs/67217", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s types.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 67217, s.RunNumber)
	assert.True(t, s.IsGood)
	assert.True(t, s.Start.Equal(nightStart.Add(9*time.Hour)))

	rec = get(t, h, "/runs/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body responseformat.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "run 1")

	rec = get(t, h, "/runs/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunMsgPack(t *testing.T) {
	h := newTestServer(t)

	rec := get(t, h, "/runs/67218", responseformat.ContentTypeMsgPack)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, responseformat.ContentTypeMsgPack, rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 67218, got["run_number"])
	assert.Equal(t, false, got["is_good"])
}

func TestGetRuns(t *testing.T) {
	h := newTestServer(t)

	rec := get(t, h, "/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all RunList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Count)
	assert.Nil(t, all.From)

	rec = get(t, h, "/runs?from=2024-03-12&to=2024-03-13T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var period RunList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &period))
	assert.Equal(t, 2, period.Count)
	assert.Equal(t, 67217, period.Runs[0].RunNumber)
	assert.Equal(t, 67218, period.Runs[1].RunNumber)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?from=yesterday&to=2024-03-13", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?from=2024-03-13", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?from=2024-03-13&to=2024-03-12", "").Code)
}

func TestGetNight(t *testing.T) {
	h := newTestServer(t)

	rec := get(t, h, "/nights/2024-03-12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var night RunList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &night))
	require.Equal(t, 1, night.Count)
	assert.Equal(t, 67217, night.Runs[0].RunNumber)
	require.NotNil(t, night.To)
	assert.True(t, night.To.Equal(nightStart.Add(catalog.NightLength)))
	require.NotNil(t, night.Transmission)
	assert.Equal(t, 67217, night.Transmission.FirstRun)
	assert.Equal(t, 67217, night.Transmission.LastRun)
	assert.InDelta(t, math.Exp(-0.1), night.Transmission.Start, 1e-9)
	assert.Zero(t, night.Transmission.Variation)

	rec = get(t, h, "/nights/2024-03-20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var empty RunList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Equal(t, 0, empty.Count)
	assert.NotNil(t, empty.Runs)
	assert.Nil(t, empty.Transmission)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/nights/someday", "").Code)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	rec := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewControllerNeedsCatalog(t *testing.T) {
	_, err := NewController(context.Background(), &sync.WaitGroup{}, config.RESTServerData{}, nil, nil)
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
