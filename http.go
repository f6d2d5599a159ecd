package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stavanger-twin/swcache/backends"
	"github.com/stavanger-twin/swcache/pkg/queue"
	"github.com/stavanger-twin/swcache/worker"
)

const (
	// ClientIDHeader identifies the page a fetch event comes from.
	ClientIDHeader = "Swcache-Client-Id"
	// SourceHeader tells the page where a response came from.
	SourceHeader = "X-Swcache-Source"

	maxControlBody = 1 << 20
)

// hopHeaders are dropped when relaying requests and responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type httpServer struct {
	c      *Controller
	origin *url.URL
	logger *slog.Logger
}

// NewHandler builds the worker's HTTP handler: control endpoints under
// /__worker/ and fetch events for everything else.
func NewHandler(c *Controller, origin *url.URL, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &httpServer{c: c, origin: origin, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/__worker", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Post("/message", s.handleMessage)
		r.Post("/install", s.handleInstall)
		r.Post("/activate", s.handleActivate)
		r.Post("/sync/{tag}", s.handleSync)
		r.Post("/push", s.handlePush)
		r.Post("/notificationclick", s.handleNotificationClick)
		r.Post("/queue/{kind}", s.handleEnqueue)
		r.Get("/stats", s.handleStats)
		r.Get("/clients", s.handleClients)
		r.Delete("/clients/{id}", s.handleClientClosed)
	})
	r.Handle("/*", http.HandlerFunc(s.handleFetch))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps worker errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNoActiveWorker), errors.Is(err, worker.ErrNoWaitingWorker):
		return http.StatusConflict
	case errors.Is(err, worker.ErrUnknownSyncTag):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrNoReplyPort), errors.Is(err, backends.ErrInvalidStoreName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxControlBody))
}

type versionStatus struct {
	Version    string       `json:"version,omitempty"`
	State      worker.State `json:"state,omitempty"`
	Waiting    string       `json:"waiting,omitempty"`
	Installing string       `json:"installing,omitempty"`
}

func (s *httpServer) status() versionStatus {
	reg := s.c.Registration()
	var st versionStatus
	if w := reg.Active(); w != nil {
		st.Version, st.State = w.Version(), w.State()
	}
	if w := reg.Waiting(); w != nil {
		st.Waiting = w.Version()
	}
	if w := reg.Installing(); w != nil {
		st.Installing = w.Version()
	}
	return st
}

func (s *httpServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *httpServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	var reply any
	port := worker.PortFunc(func(v any) error {
		reply = v
		return nil
	})
	if err := s.c.Message(r.Context(), msg, r.URL.Query().Get("target"), port); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *httpServer) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode install request: %w", err))
			return
		}
	}
	nw, err := s.c.Install(r.Context(), body.Version)
	if err != nil {
		code := http.StatusBadGateway
		if nw == nil {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, versionStatus{Version: nw.Version(), State: nw.State()})
}

func (s *httpServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	aw, err := s.c.Activate(r.Context())
	if aw == nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		// Active, but old stores could not all be deleted.
		s.logger.Warn("activation finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, versionStatus{Version: aw.Version(), State: aw.State()})
}

func (s *httpServer) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.c.Sync(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.c.Push(r.Context(), data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *httpServer) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string `json:"id"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode notification click: %w", err))
		return
	}
	client, err := s.c.NotificationClick(r.Context(), body.ID, body.Action)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*worker.Client{"client": client})
}

func (s *httpServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := chi.URLParam(r, "kind")
	if _, err := queue.ParseKind(kind); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, errors.New("payload must be valid JSON"))
		return
	}
	a, err := s.c.Enqueue(r.Context(), kind, data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *httpServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Stats())
}

func (s *httpServer) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Clients())
}

func (s *httpServer) handleClientClosed(w http.ResponseWriter, r *http.Request) {
	err := s.c.ClientClosed(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, worker.ErrNoWaitingWorker) {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.fetchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.c.Fetch(r.Context(), req, r.Header.Get(ClientIDHeader))
	if err != nil {
		s.logger.Info("network request failed", "url", req.URL.String(), "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResponse(w, r.Method, resp)
}

// fetchRequest converts an incoming request into a fetch event request.
// Origin-form requests are resolved against the app origin; absolute-form
// (proxy) requests keep their own URL.
func (s *httpServer) fetchRequest(r *http.Request) (*worker.Request, error) {
	var u *url.URL
	if r.URL.IsAbs() {
		u = r.URL
	} else {
		resolved := *s.origin
		resolved.Path = r.URL.Path
		resolved.RawPath = r.URL.RawPath
		resolved.RawQuery = r.URL.RawQuery
		resolved.ForceQuery = r.URL.ForceQuery
		u = &resolved
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	header := r.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del(ClientIDHeader)

	return &worker.Request{
		Method: r.Method,
		URL:    u,
		Header: header,
		Body:   body,
		Mode:   requestMode(r),
	}, nil
}

// requestMode reads Sec-Fetch-Mode. Clients that do not send it are treated
// as navigating when they ask for HTML.
func requestMode(r *http.Request) worker.Mode {
	switch mode := r.Header.Get("Sec-Fetch-Mode"); mode {
	case "navigate":
		return worker.ModeNavigate
	case "same-origin":
		return worker.ModeSameOrigin
	case "no-cors":
		return worker.ModeNoCORS
	case "cors":
		return worker.ModeCORS
	case "":
		if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
			return worker.ModeNavigate
		}
	}
	return worker.ModeCORS
}

func writeResponse(w http.ResponseWriter, method string, resp *worker.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	// HEAD and bodiless statuses keep whatever length the origin sent.
	if method != http.MethodHead && resp.Status != http.StatusNoContent && resp.Status != http.StatusNotModified {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	h.Set(SourceHeader, string(resp.Source))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
