package restserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/responseformat"
	"github.com/gorilla/mux"
)

// NightStartHour is the UTC hour a night given as a bare date starts at
const NightStartHour = 12

// Handlers contains all HTTP handlers for the REST server
type Handlers struct {
	controller *Controller
	formatter  *responseformat.Formatter
}

// NewHandlers creates a new handlers instance
func NewHandlers(ctrl *Controller) *Handlers {
	return &Handlers{
		controller: ctrl,
		formatter:  responseformat.NewFormatter(),
	}
}

// RunList is the body of the list endpoints. Transmission is only set for a
// night holding at least one good run.
type RunList struct {
	Count        int                      `json:"count"`
	From         *time.Time               `json:"from,omitempty"`
	To           *time.Time               `json:"to,omitempty"`
	Transmission *types.NightTransmission `json:"transmission,omitempty"`
	Runs         []types.RunSummary       `json:"runs"`
}

// Health answers liveness checks
func (h *Handlers) Health(w http.ResponseWriter, req *http.Request) {
	h.write(w, req, map[string]string{"status": "ok"})
}

// GetRuns lists the catalog, optionally restricted to ?from=&to=
func (h *Handlers) GetRuns(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		runs, err := h.controller.catalog.All(req.Context())
		if err != nil {
			h.fail(w, req, err)
			return
		}
		h.write(w, req, newRunList(runs, nil, nil))
		return
	}

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		h.fail(w, req, errors.Wrap(err, "from"))
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		h.fail(w, req, errors.Wrap(err, "to"))
		return
	}
	runs, err := h.controller.catalog.RunsBetween(req.Context(), from, to)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.write(w, req, newRunList(runs, &from, &to))
}

// GetRun returns one run summary
func (h *Handlers) GetRun(w http.ResponseWriter, req *http.Request) {
	run, err := strconv.Atoi(mux.Vars(req)["run"])
	if err != nil {
		h.fail(w, req, errors.InvalidInputf("invalid run number %q", mux.Vars(req)["run"]))
		return
	}
	s, err := h.controller.catalog.Get(req.Context(), run)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.write(w, req, s)
}

// GetNight lists the good runs of the night starting at {date}, either a
// bare date (night starts at NightStartHour UTC) or an RFC 3339 timestamp,
// with the transmission probability at the start and end of the night
func (h *Handlers) GetNight(w http.ResponseWriter, req *http.Request) {
	start, err := parseNight(mux.Vars(req)["date"])
	if err != nil {
		h.fail(w, req, err)
		return
	}
	runs, err := h.controller.catalog.RunsForNight(req.Context(), start)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	end := start.Add(catalog.NightLength)
	list := newRunList(runs, &start, &end)
	list.Transmission = types.TransmissionProbability(runs)
	h.write(w, req, list)
}

func newRunList(runs []types.RunSummary, from, to *time.Time) RunList {
	if runs == nil {
		runs = []types.RunSummary{}
	}
	return RunList{Count: len(runs), From: from, To: to, Runs: runs}
}

func (h *Handlers) write(w http.ResponseWriter, req *http.Request, data any) {
	if err := h.formatter.WriteResponse(w, req, data, nil); err != nil {
		h.controller.logger.Errorw("error encoding response", "path", req.URL.Path, "error", err)
	}
}

// fail maps err onto an HTTP status
func (h *Handlers) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrOutOfRange):
		status = http.StatusBadRequest
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.controller.logger.Errorw("request failed", "path", req.URL.Path, "error", err)
		msg = "error reading the run catalog"
	}
	if werr := h.formatter.WriteError(w, req, status, msg); werr != nil {
		h.controller.logger.Errorw("error encoding error response", "path", req.URL.Path, "error", werr)
	}
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.InvalidInputf("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.InvalidInputf("%q is neither an RFC 3339 timestamp nor a date", s)
}

func parseNight(s string) (time.Time, error) {
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d.Add(NightStartHour * time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.InvalidInputf("night %q is neither a date nor an RFC 3339 timestamp", s)
}
