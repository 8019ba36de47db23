package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docengine/api/internal/auth"
	"docengine/api/internal/docs"
	"docengine/api/internal/history"
	"docengine/api/internal/metrics"
	"docengine/api/internal/relay"
	"docengine/api/internal/search"
	"docengine/api/internal/util"
)

// Options wires the server. Only Docs and JWTSecret are required; the
// search, history and relay routes answer 404 when their backend is nil.
type Options struct {
	Docs       *docs.Service
	Search     *search.Service
	History    *history.Journal
	Relay      *relay.RedisRelay
	JWTSecret  []byte
	CORSOrigin string
	Logger     *zap.Logger
}

type HTTPServer struct {
	docs       *docs.Service
	search     *search.Service
	history    *history.Journal
	relay      *relay.RedisRelay
	jwtSecret  []byte
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(opts Options) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		docs:       opts.Docs,
		search:     opts.Search,
		history:    opts.History,
		relay:      opts.Relay,
		jwtSecret:  opts.JWTSecret,
		corsOrigin: corsOrigin,
		log:        logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireClaims)

		pr.Get("/api/docs/{id}", s.handleGetDoc)
		pr.Get("/api/docs/{id}/content", s.handleGetContent)
		pr.Get("/api/docs/{id}/history", s.handleHistory)
		pr.Get("/api/docs/{id}/history/{hash}", s.handleHistoryVersion)
		pr.Post("/api/docs", s.handleUpsert)
		pr.Post("/api/docs/batch", s.handleGetDocs)
		pr.Get("/api/groups", s.handleGetGroups)
		pr.Get("/api/user-groups", s.handleGetUserGroups)
		pr.Post("/api/query", s.handleQuery)
		pr.Get("/api/search", s.handleSearch)
		pr.Get("/api/watermark", s.handleWatermark)
		pr.Get("/api/changes", s.handleChangeFeed)
		pr.Get("/api/changes/since", s.handleChangesSince)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(writer.status)).Inc()
		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type claimsKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requireClaims parses the caller's token. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted as well.
func (s *HTTPServer) requireClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(auth.Claims)
	return claims
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// fail maps err onto the JSON error envelope and logs server errors.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domainError(http.StatusBadRequest, "INVALID_QUERY", fmt.Sprintf("%s must be an integer", name), nil)
	}
	return value, nil
}
