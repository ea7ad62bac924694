package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/db"
	"github.com/banshee-data/ctrlbridge/internal/httputil"
	"github.com/banshee-data/ctrlbridge/internal/publish"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
	"github.com/banshee-data/ctrlbridge/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version      string            `json:"version"`
	GitSHA       string            `json:"git_sha"`
	UptimeSecs   float64           `json:"uptime_s"`
	TickInterval string            `json:"tick_interval"`
	Pending      []string          `json:"pending,omitempty"`
	Loop         controlloop.Stats `json:"loop"`
	Hub          *publish.HubStats `json:"hub,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:      version.Version,
		GitSHA:       version.GitSHA,
		UptimeSecs:   time.Since(s.started).Seconds(),
		TickInterval: s.loop.Config().TickInterval.String(),
		Loop:         s.loop.Stats(),
	}
	for _, b := range resp.Loop.Buffers {
		if !b.Ready {
			resp.Pending = append(resp.Pending, b.Modality)
		}
	}
	if s.hub != nil {
		st := s.hub.Stats()
		resp.Hub = &st
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loop.Latest()
	if !ok {
		httputil.NotFound(w, "no control tick has completed yet")
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.loop.History(limit))
}

// sampleRequest is accepted by POST /api/sensors; the modality may come
// from the path instead.
type sampleRequest struct {
	Modality string    `json:"modality"`
	Values   []float64 `json:"values"`
}

func (s *Server) ingestSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := httputil.DecodeJSON(r, maxSampleBody, &req); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}
	name := r.PathValue("modality")
	if name == "" {
		name = req.Modality
	}
	m, err := sensor.ParseModality(name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.loop.Ingest(m, req.Values); err != nil {
		switch {
		case errors.Is(err, sensor.ErrShapeMismatch), errors.Is(err, sensor.ErrNonFinite):
			httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "modality": m.String()})
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 10000 {
		return 0, errors.New("limit must be an integer between 1 and 10000")
	}
	return n, nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	limit, err := parseLimit(r, 20)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// tickJSON is the API form of a recorded tick.
type tickJSON struct {
	Seq              uint64    `json:"seq"`
	Time             time.Time `json:"time"`
	Command          []float64 `json:"command"`
	Applied          []float64 `json:"applied"`
	Fallback         bool      `json:"fallback"`
	RefineFailed     bool      `json:"refine_failed"`
	LatencyMS        float64   `json:"latency_ms"`
	StabilityLoss    *float64  `json:"stability_loss,omitempty"`
	ManipulationLoss *float64  `json:"manipulation_loss,omitempty"`
	PolicyLoss       *float64  `json:"policy_loss,omitempty"`
	Error            string    `json:"error,omitempty"`
}

func (s *Server) listTicks(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ticks, err := s.db.RecentTicks(r.PathValue("id"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]tickJSON, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, tickJSON{
			Seq:              t.Seq,
			Time:             t.Time,
			Command:          t.Command.Float64s(),
			Applied:          t.Applied.Float64s(),
			Fallback:         t.Fallback,
			RefineFailed:     t.RefineFailed,
			LatencyMS:        float64(t.Latency.Microseconds()) / 1000,
			StabilityLoss:    t.StabilityLoss,
			ManipulationLoss: t.ManipulationLoss,
			PolicyLoss:       t.PolicyLoss,
			Error:            t.Error,
		})
	}
	httputil.WriteJSONOK(w, out)
}
