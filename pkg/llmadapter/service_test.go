package llmadapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, upstream http.HandlerFunc, cfg ServerConfig) *echo.Echo {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{BaseURL: srv.URL, MaxRetries: -1, RetryBaseDelay: time.Millisecond})
	s := NewServer(client, cfg)
	e := echo.New()
	s.Register(e)
	return e
}

func classify(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/classify", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const classifyBody = `{"signal": {"event_id": "e1", "source_type": "NEWS", "raw_content": "strike"}}`

func TestClassifyEndpoint(t *testing.T) {
	e := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion(`{"event_type": "PORT_STRIKE", "severity_level": "HIGH"}`)))
	}, ServerConfig{})

	rec := classify(e, classifyBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "e1", resp.StructuredRisk.EventID)
	assert.Equal(t, "PORT_STRIKE", resp.StructuredRisk.EventType)
}

func TestClassifyValidation(t *testing.T) {
	e := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called for invalid requests")
	}, ServerConfig{})

	t.Run("malformed body", func(t *testing.T) {
		rec := classify(e, `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing event_id", func(t *testing.T) {
		rec := classify(e, `{"signal": {"raw_content": "x"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestClassifyUpstreamFailureIs502(t *testing.T) {
	e := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}, ServerConfig{})

	rec := classify(e, classifyBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), codeClassificationFailed)
}

func TestClassifyQueueOverflow(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 3)
	e := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte(completion(`{"event_type": "FLOOD"}`)))
	}, ServerConfig{MaxConcurrency: 1, MaxQueueSize: 1})

	codes := make([]int, 3)
	var wg sync.WaitGroup

	// First request occupies the only upstream slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[0] = classify(e, classifyBody).Code
	}()
	<-arrived

	// Second request waits in the queue.
	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[1] = classify(e, classifyBody).Code
	}()
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var health struct {
			Metrics struct {
				QueueDepth int64 `json:"queue_depth"`
			} `json:"metrics"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		return health.Metrics.QueueDepth == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Third request overflows.
	rec := classify(e, classifyBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), codeQueueFull)

	// Releasing the upstream lets the first two finish.
	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])

	health := httptest.NewRecorder()
	e.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	var parsed struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Metrics struct {
			QueueOverflowRejections int64 `json:"queue_overflow_rejections"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &parsed))
	assert.Equal(t, int64(1), parsed.Metrics.QueueOverflowRejections)
	assert.Equal(t, "llm-adapter", parsed.Service)
}
