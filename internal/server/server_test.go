package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twincore/internal/config"
	"twincore/internal/intent"
	"twincore/internal/pipeline"
	"twincore/internal/regression"
	"twincore/internal/store"
)

type fakeResponder struct {
	resp *pipeline.Response
	err  error
}

func (f *fakeResponder) Respond(ctx context.Context, twinID, query string, ictx intent.Context) (*pipeline.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "twincore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	responder := &fakeResponder{resp: &pipeline.Response{
		Text: "Pricing starts at seven dollars a seat.",
		Trace: &pipeline.Trace{
			TraceID:     "trace-1",
			IntentLabel: "factual_with_evidence",
			Outcome:     pipeline.OutcomeOK,
		},
	}}
	h := &Handler{
		Store:    st,
		Pipeline: responder,
		Runner:   regression.NewRunner(responder, config.DefaultConfig()),
	}
	return Router(h), h
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func specBody() map[string]any {
	return map[string]any{
		"version": "1.0.0",
		"layers": map[string]any{
			"identity":      "Alex Rivera, startup founder.",
			"communication": "Direct, no filler.",
		},
		"conventions": map[string]any{"min_length": 10, "max_length": 800},
	}
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(t, r, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSpecLifecycleOverHTTP(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/twins/alex/specs", specBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Not active yet.
	w = doJSON(t, r, "GET", "/v1/twins/alex/specs/active", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, "POST", "/v1/twins/alex/specs/1.0.0/publish", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, "GET", "/v1/twins/alex/specs/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, "1.0.0", active["version"])
	assert.Equal(t, "active", active["status"])

	// Publishing twice conflicts.
	w = doJSON(t, r, "POST", "/v1/twins/alex/specs/1.0.0/publish", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown version 404s.
	w = doJSON(t, r, "POST", "/v1/twins/alex/specs/9.9.9/publish", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, "GET", "/v1/twins/alex/specs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var specs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &specs))
	assert.Len(t, specs, 1)
}

func TestModuleLifecycleOverHTTP(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/twins/alex/modules", map[string]any{
		"module_id":    "pricing-answer",
		"intent_label": "factual_with_evidence",
		"priority":     5,
		"data":         "When asked about pricing, cite the May 2025 sheet.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, "POST", "/v1/twins/alex/modules/pricing-answer/promote", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "POST", "/v1/twins/alex/modules/ghost/promote", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, "GET", "/v1/twins/alex/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var modules []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &modules))
	require.Len(t, modules, 1)
	assert.Equal(t, "active", modules[0]["status"])
}

func TestChat(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/twins/alex/chat", map[string]any{
		"query":   "how much does it cost",
		"channel": "public",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Pricing starts at seven dollars a seat.", resp.Text)
	assert.Equal(t, pipeline.OutcomeOK, resp.Trace.Outcome)
}

func TestChatRequiresQuery(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(t, r, "POST", "/v1/twins/alex/chat", map[string]any{"channel": "public"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatPipelineError(t *testing.T) {
	r, h := setupRouter(t)
	h.Pipeline.(*fakeResponder).err = fmt.Errorf("store unavailable")

	w := doJSON(t, r, "POST", "/v1/twins/alex/chat", map[string]any{"query": "hello"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "store unavailable", "internal detail never leaks")
}

func TestSetVariantValidation(t *testing.T) {
	r, h := setupRouter(t)

	w := doJSON(t, r, "PUT", "/v1/twins/alex/variant", map[string]any{"variant": "compact_v1"})
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := h.Store.PromptVariant(context.Background(), "alex")
	require.NoError(t, err)
	assert.Equal(t, "compact_v1", stored)

	w = doJSON(t, r, "PUT", "/v1/twins/alex/variant", map[string]any{"variant": "made_up_v9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddGrounding(t *testing.T) {
	r, h := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/twins/alex/grounding", map[string]any{
		"tier":       1,
		"query":      "what was the launch price",
		"content":    "The launch price was seven dollars.",
		"confidence": 0.95,
		"approved":   true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	records, err := h.Store.GroundingRecords(context.Background(), "alex")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Approved)
}

func TestRunRegressionOverHTTP(t *testing.T) {
	r, _ := setupRouter(t)

	doc := `twin_id: alex
cases:
  - id: std-1
    prompt: how much does it cost
    channel: public
    expected_intent: factual_with_evidence
`
	path := filepath.Join(t.TempDir(), "dataset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	w := doJSON(t, r, "POST", "/v1/regression/run", map[string]any{"dataset_path": path})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report regression.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1.0, report.PassRate)
	assert.True(t, report.GatePassed)
}
