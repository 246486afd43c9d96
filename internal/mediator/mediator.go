package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// TruncatedHeader marks responses whose request history was cut to fit the
// model window.
const TruncatedHeader = "X-MIND-Context-Truncated"

// streamIdleTimeout is the per-byte idle limit on proxied streams. There is
// no total deadline; a generating model may stream for a long time.
const streamIdleTimeout = 300 * time.Second

const maxRequestBody = 10 << 20

// ModelStore resolves model records on the data path.
type ModelStore interface {
	GetModel(ctx context.Context, abbr string) (types.ModelRecord, bool, error)
}

// Mediator fronts the engine containers: it enforces each model's token
// budget on chat completions and passes everything else through.
type Mediator struct {
	store      ModelStore
	log        zerolog.Logger
	client     *http.Client
	engineBase func(containerName string) string
}

// New builds a Mediator reaching containers by name on the shared network.
func New(store ModelStore, enginePort int, log zerolog.Logger) *Mediator {
	return &Mediator{
		store: store,
		log:   log.With().Str("component", "mediator").Logger(),
		// No client timeout: streams are bounded by the idle watchdog.
		client: &http.Client{},
		engineBase: func(containerName string) string {
			return fmt.Sprintf("http://%s:%d", containerName, enginePort)
		},
	}
}

// lookup resolves the abbr to a running record or writes the data-plane
// error itself.
func (m *Mediator) lookup(w http.ResponseWriter, r *http.Request, abbr string) (types.ModelRecord, bool) {
	rec, ok, err := m.store.GetModel(r.Context(), abbr)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, "state store unavailable", "server_error")
		return rec, false
	}
	if !ok {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("model %q not found", abbr), "invalid_request_error")
		return rec, false
	}
	if rec.Status != types.StatusRunning {
		writeOpenAIError(w, http.StatusServiceUnavailable, fmt.Sprintf("model %q is not running", abbr), "server_error")
		return rec, false
	}
	return rec, true
}

// ChatCompletions handles POST /api/v1/{abbr}/chat/completions with context
// mediation.
func (m *Mediator) ChatCompletions(w http.ResponseWriter, r *http.Request, abbr string) {
	rec, ok := m.lookup(w, r, abbr)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return
	}

	messages, err := parseMessages(body["messages"])
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	fit, err := Fit(messages, rec.MaxModelLen, intField(body, "max_tokens"))
	if err != nil {
		if IsOverflow(err) {
			writeOpenAIError(w, http.StatusRequestEntityTooLarge, "context overflow", "invalid_request_error")
			return
		}
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	body["messages"] = messagesToWire(fit.Messages)
	body["max_tokens"] = fit.MaxTokens

	if fit.Truncated {
		w.Header().Set(TruncatedHeader, "true")
	}

	stream, _ := body["stream"].(bool)
	m.forward(w, r, rec, "/v1/chat/completions", body, stream, fit.Truncated)
}

// Completions handles POST /api/v1/{abbr}/completions. No history to cut;
// the completion budget is still capped to the window.
func (m *Mediator) Completions(w http.ResponseWriter, r *http.Request, abbr string) {
	rec, ok := m.lookup(w, r, abbr)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return
	}
	if mt := intField(body, "max_tokens"); mt > 0 {
		if limit := rec.MaxModelLen - safetyBuffer; mt > limit {
			body["max_tokens"] = limit
		}
	}
	stream, _ := body["stream"].(bool)
	m.forward(w, r, rec, "/v1/completions", body, stream, false)
}

// Proxy forwards any other data-plane request to the engine untouched,
// minus credentials.
func (m *Mediator) Proxy(w http.ResponseWriter, r *http.Request, abbr, path string) {
	rec, ok := m.lookup(w, r, abbr)
	if !ok {
		return
	}
	url := m.engineBase(rec.ContainerName) + "/v1/" + strings.TrimPrefix(path, "/")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	for k, vs := range r.Header {
		switch strings.ToLower(k) {
		case "host", "authorization", "x-api-key":
			continue
		}
		req.Header[k] = vs
	}

	resp, err := m.client.Do(req)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, fmt.Sprintf("engine unreachable: %v", err), "server_error")
		return
	}
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// forward sends the rewritten body upstream and relays the response,
// streaming or buffered.
func (m *Mediator) forward(w http.ResponseWriter, r *http.Request, rec types.ModelRecord, path string, body map[string]any, stream, truncated bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}

	// Client disconnects cancel upstream through this context; the idle
	// watchdog cancels it too.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	url := m.engineBase(rec.ContainerName) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, fmt.Sprintf("engine unreachable: %v", err), "server_error")
		return
	}
	defer resp.Body.Close()

	if stream && resp.StatusCode == http.StatusOK {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		if err := copyWithIdleTimeout(w, flush, resp.Body, streamIdleTimeout, cancel); err != nil {
			m.log.Debug().Err(err).Str("abbr", rec.Abbr).Msg("stream ended")
		}
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, "engine response truncated", "server_error")
		return
	}
	if truncated && resp.StatusCode == http.StatusOK {
		respBody = injectTruncated(respBody)
	}
	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// copyWithIdleTimeout relays the stream byte-for-byte, preserving frame
// boundaries as delivered, and cancels upstream after idle with no data.
func copyWithIdleTimeout(w io.Writer, flush func(), body io.Reader, idle time.Duration, cancel func()) error {
	watchdog := time.AfterFunc(idle, cancel)
	defer watchdog.Stop()

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			watchdog.Reset(idle)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush != nil {
				flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// injectTruncated adds the context_truncated diagnostic to a JSON envelope.
// The envelope is passed through untouched when it does not parse.
func injectTruncated(body []byte) []byte {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	envelope["context_truncated"] = true
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return out
}

// parseMessages validates the messages array: non-empty, string roles and
// string contents only.
func parseMessages(raw any) ([]types.ChatMessage, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}
	out := make([]types.ChatMessage, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("messages[%d] must be an object", i)
		}
		role, ok := obj["role"].(string)
		if !ok || role == "" {
			return nil, fmt.Errorf("messages[%d].role must be a string", i)
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, fmt.Errorf("messages[%d].content must be a string", i)
		}
		out = append(out, types.ChatMessage{Role: role, Content: content})
	}
	return out, nil
}

func messagesToWire(msgs []types.ChatMessage) []map[string]any {
	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func intField(body map[string]any, key string) int {
	if v, ok := body[key].(float64); ok {
		return int(v)
	}
	return 0
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch strings.ToLower(k) {
		case "connection", "transfer-encoding":
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// writeOpenAIError synthesizes an OpenAI-shaped error envelope for the data
// plane.
func writeOpenAIError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
}
