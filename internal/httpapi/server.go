package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/auth"
	"github.com/kvsovanreach/mind-llm/internal/deploy"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

const maxBodyBytes = 1 << 20

// Engine is the deployment engine surface the HTTP layer drives.
type Engine interface {
	Deploy(ctx context.Context, spec types.ModelSpec) (types.ModelRecord, error)
	Start(ctx context.Context, abbr string) (types.ModelRecord, error)
	Stop(ctx context.Context, abbr string) (types.ModelRecord, error)
	Delete(ctx context.Context, abbr string) error
	Get(ctx context.Context, abbr string) (types.ModelRecord, bool, error)
	GetAll(ctx context.Context) ([]types.ModelRecord, error)
}

// Auth is the credential surface.
type Auth interface {
	Login(username, password string) (types.TokenResponse, error)
	VerifySession(token string) (string, error)
	VerifyKey(ctx context.Context, key string) bool
	MintKey(ctx context.Context, name, description string) (types.APIKeyCreated, error)
	ListKeys(ctx context.Context) ([]types.APIKeyInfo, error)
	DeleteKey(ctx context.Context, keyOrPrefix string) (bool, error)
}

// GPUs is the inspector surface.
type GPUs interface {
	Sample() ([]types.GPUStat, bool)
	Processes() map[int][]types.GPUProcess
}

// Chat is the context-mediated data plane.
type Chat interface {
	ChatCompletions(w http.ResponseWriter, r *http.Request, abbr string)
	Completions(w http.ResponseWriter, r *http.Request, abbr string)
	Proxy(w http.ResponseWriter, r *http.Request, abbr, path string)
}

// Catalog lists the predefined models.
type Catalog interface {
	All() []types.PredefinedModel
}

// LogTailer fetches container log tails.
type LogTailer interface {
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// Deps wires the HTTP surface to the components behind it.
type Deps struct {
	Engine  Engine
	Auth    Auth
	GPUs    GPUs
	Chat    Chat
	Catalog Catalog
	Logs    LogTailer
	// CachedModels scans the weight cache; nil disables the endpoint data.
	CachedModels func() []types.CachedModel
	// Liveness of the external collaborators, reported by /health.
	DockerPing func(ctx context.Context) error
	RedisPing  func(ctx context.Context) error
	Log        zerolog.Logger
}

type server struct {
	Deps
}

// NewMux builds the orchestrator's HTTP handler: the administrative surface
// under /orchestrator and the data plane under /api/v1/{abbr}.
func NewMux(deps Deps) http.Handler {
	s := &server{Deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
	}))
	r.Use(MetricsMiddleware)

	r.Route("/orchestrator", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Get("/health", s.handleHealth)
		r.Get("/gpu-stats", s.handleGPUStats)
		r.Get("/models", s.handleListModels)
		r.Get("/available-models", s.handleAvailableModels)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/auth/verify", s.handleVerifyAuth)
			r.Get("/cached-models", s.handleCachedModels)
			r.Post("/models/deploy", s.handleDeploy)
			r.Post("/models/{abbr}/start", s.handleStart)
			r.Post("/models/{abbr}/stop", s.handleStop)
			r.Delete("/models/{abbr}", s.handleDelete)
			r.Get("/models/{abbr}/logs", s.handleLogs)
			r.Get("/api-keys", s.handleListKeys)
			r.Post("/api-keys", s.handleCreateKey)
			r.Delete("/api-keys/{key}", s.handleDeleteKey)
		})
	})

	r.Route("/api/v1/{abbr}", func(r chi.Router) {
		r.Use(s.requireKey)
		r.Post("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
			s.Chat.ChatCompletions(w, r, chi.URLParam(r, "abbr"))
		})
		r.Post("/completions", func(w http.ResponseWriter, r *http.Request) {
			s.Chat.Completions(w, r, chi.URLParam(r, "abbr"))
		})
		r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
			s.Chat.Proxy(w, r, chi.URLParam(r, "abbr"), chi.URLParam(r, "*"))
		})
	})

	return r
}

// bearerToken extracts the credential from Authorization: Bearer or, for
// API keys, the X-API-Key header.
func bearerToken(r *http.Request, allowKeyHeader bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if allowKeyHeader {
		return r.Header.Get("X-API-Key")
	}
	return ""
}

func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r, false)
		if token == "" {
			writeError(w, s.Log, auth.ErrUnauthorized)
			return
		}
		user, err := s.Auth.VerifySession(token)
		if err != nil {
			writeError(w, s.Log, auth.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func (s *server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r, true)
		if key == "" || !s.Auth.VerifyKey(r.Context(), key) {
			// data-plane error shape
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"message": "invalid API key",
					"type":    "invalid_request_error",
					"code":    http.StatusUnauthorized,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.Log, deploy.ErrValidation("", "invalid JSON body"))
		return
	}
	tok, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *server) handleVerifyAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      userFrom(r.Context()),
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ok"}
	if s.DockerPing != nil {
		resp.Docker = s.DockerPing(r.Context()) == nil
	}
	if s.RedisPing != nil {
		resp.Redis = s.RedisPing(r.Context()) == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGPUStats(w http.ResponseWriter, r *http.Request) {
	gpus, degraded := s.GPUs.Sample()
	procs := s.GPUs.Processes()

	// annotate each GPU with the models placed on it
	assignments := map[int][]types.GPUModelRef{}
	if recs, err := s.Engine.GetAll(r.Context()); err == nil {
		for _, rec := range recs {
			if rec.Status == types.StatusRunning {
				assignments[rec.GPUDevice] = append(assignments[rec.GPUDevice], types.GPUModelRef{
					Abbr: rec.Abbr, Name: rec.Name, Type: rec.Type,
				})
			}
		}
	}

	resp := types.GPUStatsResponse{
		GPUs:      make([]types.GPUView, 0, len(gpus)),
		Processes: procs,
		Degraded:  degraded,
	}
	for _, g := range gpus {
		models := assignments[g.Index]
		if models == nil {
			models = []types.GPUModelRef{}
		}
		resp.GPUs = append(resp.GPUs, types.GPUView{GPUStat: g, Models: models})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Engine.GetAll(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	if recs == nil {
		recs = []types.ModelRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Catalog.All())
}

func (s *server) handleCachedModels(w http.ResponseWriter, r *http.Request) {
	var cached []types.CachedModel
	if s.CachedModels != nil {
		cached = s.CachedModels()
	}
	if cached == nil {
		cached = []types.CachedModel{}
	}
	writeJSON(w, http.StatusOK, cached)
}

func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var spec types.ModelSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, s.Log, deploy.ErrValidation("", "invalid JSON body"))
		return
	}
	rec, err := s.Engine.Deploy(r.Context(), spec)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.Start(r.Context(), chi.URLParam(r, "abbr"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.Stop(r.Context(), chi.URLParam(r, "abbr"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Delete(r.Context(), chi.URLParam(r, "abbr")); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DeleteResponse{Deleted: true})
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	abbr := chi.URLParam(r, "abbr")
	rec, ok, err := s.Engine.Get(r.Context(), abbr)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	if !ok {
		writeError(w, s.Log, deploy.ErrNotFound(abbr))
		return
	}
	lines := 50
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	logs, err := s.Logs.Logs(r.Context(), rec.ContainerName, lines)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ContainerLogs{Abbr: abbr, Logs: logs})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Auth.ListKeys(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	if keys == nil {
		keys = []types.APIKeyInfo{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, s.Log, deploy.ErrValidation("name", "name is required"))
		return
	}
	created, err := s.Auth.MintKey(r.Context(), name, r.URL.Query().Get("description"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	ok, err := s.Auth.DeleteKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	if !ok {
		writeError(w, s.Log, deploy.ErrNotFound("api key"))
		return
	}
	writeJSON(w, http.StatusOK, types.DeleteResponse{Deleted: true})
}
