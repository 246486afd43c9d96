package router

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/common/fsutil"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// ModelLister supplies the records the routing table is derived from.
type ModelLister interface {
	ListModels(ctx context.Context, status types.ModelStatus) ([]types.ModelRecord, error)
}

// Reloader signals the reverse proxy to re-read its configuration.
type Reloader interface {
	Exec(ctx context.Context, name string, cmd []string) error
}

// reloadError marks a durable write whose reload signal failed. Callers
// decide whether that demotes a deployment.
type reloadError struct{ err error }

func (e reloadError) Error() string { return "proxy reload failed: " + e.err.Error() }
func (e reloadError) Unwrap() error { return e.err }

// IsReloadFailed reports whether err is a failed proxy reload after a
// successful routing-file write.
func IsReloadFailed(err error) bool {
	_, ok := err.(reloadError)
	return ok
}

// ReloadFailed wraps err as a reload failure. Exposed for tests that fake a
// Generator.
func ReloadFailed(err error) error { return reloadError{err: err} }

// Generator emits the reverse-proxy include file for all running models and
// signals the proxy to reload. Output is a pure function of the running set.
type Generator struct {
	store          ModelLister
	reloader       Reloader
	path           string
	nginxContainer string
	prefix         string
	enginePort     int
	log            zerolog.Logger
}

// New builds a Generator writing to path and reloading nginx inside
// nginxContainer.
func New(store ModelLister, reloader Reloader, path, nginxContainer, containerPrefix string, enginePort int, log zerolog.Logger) *Generator {
	return &Generator{
		store:          store,
		reloader:       reloader,
		path:           path,
		nginxContainer: nginxContainer,
		prefix:         containerPrefix,
		enginePort:     enginePort,
		log:            log.With().Str("component", "router").Logger(),
	}
}

// Regenerate renders and atomically replaces the include file, then signals
// the proxy. A failed signal returns a reload error; the write itself is
// already durable and is not rolled back or retried here.
func (g *Generator) Regenerate(ctx context.Context) error {
	models, err := g.store.ListModels(ctx, types.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running models: %w", err)
	}
	content, err := g.Render(models)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(g.path, content, 0o644); err != nil {
		return fmt.Errorf("write router file: %w", err)
	}
	g.log.Info().Int("models", len(models)).Str("path", g.path).Msg("router file updated")

	if err := g.reloader.Exec(ctx, g.nginxContainer, []string{"nginx", "-s", "reload"}); err != nil {
		g.log.Error().Err(err).Msg("proxy reload failed")
		return reloadError{err: err}
	}
	return nil
}

type routeEntry struct {
	Abbr       string
	Container  string
	EnginePort int
}

// Render produces the include file body. Models are sorted by abbr so equal
// state yields byte-identical output.
func (g *Generator) Render(models []types.ModelRecord) ([]byte, error) {
	entries := make([]routeEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, routeEntry{
			Abbr:       m.Abbr,
			Container:  g.prefix + m.Abbr,
			EnginePort: g.enginePort,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Abbr < entries[j].Abbr })

	var buf bytes.Buffer
	if err := routesTmpl.Execute(&buf, entries); err != nil {
		return nil, fmt.Errorf("render routes: %w", err)
	}
	return buf.Bytes(), nil
}

var routesTmpl = template.Must(template.New("routes").Parse(`# Auto-generated model routing configuration
{{range .}}
# Model: {{.Abbr}} (OpenAI-compatible API)

# Route chat/completions through the orchestrator for context mediation
location = /api/v1/{{.Abbr}}/chat/completions {
    proxy_pass http://orchestrator/api/v1/{{.Abbr}}/chat/completions;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;

    add_header 'Access-Control-Allow-Origin' '*' always;
    add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS' always;
    add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key' always;

    if ($request_method = 'OPTIONS') {
        add_header 'Access-Control-Allow-Origin' '*';
        add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS';
        add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key';
        add_header 'Access-Control-Max-Age' 1728000;
        add_header 'Content-Type' 'text/plain; charset=utf-8';
        add_header 'Content-Length' 0;
        return 204;
    }

    proxy_set_header Connection '';
    proxy_http_version 1.1;
    chunked_transfer_encoding off;
    proxy_buffering off;
    proxy_cache off;
    proxy_read_timeout 300s;
    proxy_send_timeout 300s;
}

# Route all other endpoints directly to the engine container
location /api/v1/{{.Abbr}}/ {
    proxy_pass http://{{.Container}}:{{.EnginePort}}/v1/;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;

    add_header 'Access-Control-Allow-Origin' '*' always;
    add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS' always;
    add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key' always;

    if ($request_method = 'OPTIONS') {
        add_header 'Access-Control-Allow-Origin' '*';
        add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS';
        add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key';
        add_header 'Access-Control-Max-Age' 1728000;
        add_header 'Content-Type' 'text/plain; charset=utf-8';
        add_header 'Content-Length' 0;
        return 204;
    }

    proxy_set_header Connection '';
    proxy_http_version 1.1;
    chunked_transfer_encoding off;
    proxy_buffering off;
    proxy_cache off;
    proxy_read_timeout 300s;
    proxy_send_timeout 300s;
}
{{end}}`))
