// Package api exposes the weather and sources queries over HTTP with
// JSON responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/query"
	"github.com/skylightwx/skylight/internal/units"
)

// Querier is the slice of the query service the API needs.
type Querier interface {
	Weather(ctx context.Context, date, lastDate time.Time, c query.Criteria, fallback bool) (*query.Result, error)
	Sources(ctx context.Context, c query.Criteria) ([]query.SourceRow, error)
}

// Server handles the HTTP API requests.
type Server struct {
	querier Querier
}

func NewServer(querier Querier) *Server {
	return &Server{querier: querier}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/weather", s.handleWeather).Methods(http.MethodGet)
	router.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	return router
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	srv := &http.Server{
		Addr:         bind,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("API server listening on %s", bind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	date, err := units.ParseTimestamp(params.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date is required in ISO 8601 format")
		return
	}
	var lastDate time.Time
	if v := params.Get("last_date"); v != "" {
		if lastDate, err = units.ParseTimestamp(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid last_date")
			return
		}
	}
	criteria, err := parseCriteria(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fallback := true
	if v := params.Get("fallback"); v != "" {
		fallback = v != "false" && v != "0"
	}

	result, err := s.querier.Weather(r.Context(), date, lastDate, criteria, fallback)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.querier.Sources(r.Context(), criteria)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": rows})
}

func parseCriteria(params map[string][]string) (query.Criteria, error) {
	get := func(key string) string {
		if vs := params[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var c query.Criteria
	if v := get("lat"); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, errors.New("invalid lat")
		}
		c.Lat = &lat
	}
	if v := get("lon"); v != "" {
		lon, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, errors.New("invalid lon")
		}
		c.Lon = &lon
	}
	if v := get("max_dist"); v != "" {
		maxDist, err := strconv.Atoi(v)
		if err != nil || maxDist < 0 {
			return c, errors.New("invalid max_dist")
		}
		c.MaxDist = maxDist
	}
	if v := get("source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, errors.New("invalid source_id")
		}
		c.SourceID = &id
	}
	c.DWDStationID = get("dwd_station_id")
	c.WMOStationID = get("wmo_station_id")
	return c, nil
}

func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrMissingCriteria):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}
