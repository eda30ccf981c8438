package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BedeschiL/Taxii-client/internal/feed"
	"github.com/BedeschiL/Taxii-client/internal/indicator"
	"github.com/BedeschiL/Taxii-client/internal/stix"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
	"github.com/BedeschiL/Taxii-client/internal/threat"
)

const maxRequestBody = 1 << 20

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/discover", s.handleDiscover).Methods(http.MethodPost)
	api.HandleFunc("/collections", s.handleCollections).Methods(http.MethodPost)
	api.HandleFunc("/feeds", s.handleListFeeds).Methods(http.MethodGet)
	api.HandleFunc("/feeds", s.handleAddFeed).Methods(http.MethodPost)
	api.HandleFunc("/feeds/{name}", s.handleRemoveFeed).Methods(http.MethodDelete)
	api.HandleFunc("/feeds/{name}/refresh", s.handleRefreshOne).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefreshAll).Methods(http.MethodPost)
	api.HandleFunc("/indicators", s.handleListIndicators).Methods(http.MethodGet)
	api.HandleFunc("/indicators", s.handleClearIndicators).Methods(http.MethodDelete)
	api.HandleFunc("/indicators/{id}", s.handleGetIndicator).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

type serverRequest struct {
	ServerURL string `json:"server_url"`
	APIRoot   string `json:"api_root"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (r serverRequest) credentials() taxii.Credentials {
	return taxii.Credentials{Username: r.Username, Password: r.Password}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := s.svc.DiscoverServer(r.Context(), req.ServerURL, req.credentials())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCollections lists one API root's collections, or every root's when
// only server_url is given.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) {
		return
	}
	if req.APIRoot == "" && req.ServerURL != "" {
		cols, err := s.svc.DiscoverCollections(r.Context(), req.ServerURL, req.credentials())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collections": nonNil(cols)})
		return
	}
	cols, err := s.svc.ListCollections(r.Context(), req.APIRoot, req.credentials())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": nonNil(cols)})
}

// feedView is a feed without its password.
type feedView struct {
	Name            string    `json:"name"`
	APIRoot         string    `json:"api_root"`
	CollectionID    string    `json:"collection_id"`
	CollectionTitle string    `json:"collection_title,omitempty"`
	Username        string    `json:"username,omitempty"`
	MatchTypes      []string  `json:"match_types,omitempty"`
	AddedAfter      string    `json:"added_after,omitempty"`
	Added           time.Time `json:"added"`
}

func viewFeed(f feed.Feed) feedView {
	return feedView{
		Name:            f.Name,
		APIRoot:         f.APIRoot,
		CollectionID:    f.CollectionID,
		CollectionTitle: f.CollectionTitle,
		Username:        f.Username,
		MatchTypes:      f.MatchTypes,
		AddedAfter:      f.AddedAfter,
		Added:           f.Added,
	}
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.svc.ListFeeds()
	out := make([]feedView, len(feeds))
	for i, f := range feeds {
		out[i] = viewFeed(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req threat.FeedRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.svc.AddFeed(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewFeed(f))
}

func (s *Server) handleRemoveFeed(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.svc.RemoveFeed(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.health.SetServingStatus(FeedServicePrefix+name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RefreshAll(r.Context()))
}

func (s *Server) handleRefreshOne(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RefreshOne(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// indicatorView is the summary row shown in indicator listings.
type indicatorView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	Created     string    `json:"created"`
	Modified    string    `json:"modified"`
	LastSeen    string    `json:"last_seen"`
	Source      string    `json:"source"`
	Retrieved   time.Time `json:"retrieved"`
}

func viewIndicator(rec indicator.Record) indicatorView {
	o := rec.Object
	return indicatorView{
		ID:          o.ID(),
		Type:        o.Type(),
		Value:       o.Value(),
		Description: o.Description(),
		Created:     o.Created(),
		Modified:    o.Modified(),
		LastSeen:    o.LastSeen(),
		Source:      rec.Source,
		Retrieved:   rec.Retrieved,
	}
}

func (s *Server) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs := s.svc.SearchIndicators(q.Get("q"), q.Get("type"))
	out := make([]indicatorView, len(recs))
	for i, rec := range recs {
		out[i] = viewIndicator(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "indicators": out})
}

func (s *Server) handleGetIndicator(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetIndicator(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearIndicators(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearIndicators(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error to an HTTP status and a short kind label.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, feed.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name"
	case errors.Is(err, feed.ErrInvalid), errors.Is(err, taxii.ErrInvalidURL), errors.Is(err, stix.ErrInvalidObject):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, feed.ErrNotFound), errors.Is(err, indicator.ErrNotFound), errors.Is(err, taxii.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, taxii.ErrAuth):
		return http.StatusUnauthorized, "auth"
	case errors.Is(err, taxii.ErrProtocol):
		return http.StatusBadGateway, "protocol"
	case errors.Is(err, taxii.ErrNetwork):
		return http.StatusGatewayTimeout, "network"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode request: " + err.Error(), Kind: "invalid"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
