package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/internal/engine"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/server"
	"github.com/scrypster/memoir/internal/storage/sqlite"
)

type testServer struct {
	baseURL string
	eng     *engine.Engine
	spool   *notify.EventWriter
}

// startTestServer starts a server on a random port over a sqlite engine.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.Port = 0
	cfg.Storage.DataPath = t.TempDir()
	cfg.Security.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	db, err := sqlite.Open(filepath.Join(cfg.Storage.DataPath, "memoir.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	spool := notify.NewEventWriter(cfg.Storage.DataPath)
	engCfg := engine.DefaultConfig()
	engCfg.SchedulerInterval = 0
	eng, err := engine.New(engine.Deps{
		Records:    sqlite.NewRecordStore(db),
		Index:      sqlite.NewVectorIndex(db, 64),
		Queue:      queue.NewMemoryQueue(queue.Options{}),
		Schedules:  scheduler.NewMemoryStore(),
		Classifier: llm.NewRuleClassifier(nil),
		Embedder:   llm.NewHashEmbedder(64),
		Spool:      spool,
	}, engCfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, hub, err := server.Start(ctx, cfg, eng)
	require.NoError(t, err)
	require.NotNil(t, hub)
	return &testServer{baseURL: "http://" + addr, eng: eng, spool: spool}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.baseURL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestServer_Health(t *testing.T) {
	s := startTestServer(t, nil)

	code, body := s.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestServer_RoutesAndMethods(t *testing.T) {
	s := startTestServer(t, nil)

	code, body := s.do(t, "POST", "/api/memories", `{"owner_id":"alice","content":"Dune is my favourite book"}`, "")
	require.Equal(t, http.StatusAccepted, code, body)

	var created struct {
		Memory struct {
			ID string `json:"id"`
		} `json:"memory"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))

	code, _ = s.do(t, "GET", "/api/memories/"+created.Memory.ID, "", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, "DELETE", "/api/memories/"+created.Memory.ID, "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = s.do(t, "POST", "/api/memories/"+created.Memory.ID+"/enrich", "", "")
	assert.Equal(t, http.StatusAccepted, code)

	code, body = s.do(t, "GET", "/api/jobs/dead", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"jobs":[]`)

	code, _ = s.do(t, "GET", "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_Metrics(t *testing.T) {
	s := startTestServer(t, nil)

	_, err := s.eng.Pool().Drain(context.Background())
	require.NoError(t, err)

	code, body := s.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_ProductionRequiresToken(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) {
		c.Security.SecurityMode = "production"
		c.Security.APIToken = "s3cret"
	})

	code, _ := s.do(t, "GET", "/api/jobs/dead", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, "GET", "/api/jobs/dead", "", "s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, code, "health stays public")
}

func TestServer_RateLimit(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) {
		c.Security.RateLimit = 1
		c.Security.RateBurst = 2
	})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		code, _ := s.do(t, "GET", "/health", "", "")
		codes[code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestServer_WebSocketRelaysSpoolEvents(t *testing.T) {
	s := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.baseURL, "http") + "/ws?owner_id=alice"
	conn, _, err := websocket.Dial(ctx, wsURL, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	// Registration is asynchronous; keep writing until one arrives.
	received := make(chan notify.Event, 1)
	go func() {
		_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		if err != nil {
			return
		}
		var evt notify.Event
		if json.Unmarshal(data, &evt) == nil {
			received <- evt
		}
	}()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, s.spool.Write(notify.Event{Type: engine.EventNotification, OwnerID: "alice", Title: "Call the dentist"}))
		select {
		case evt := <-received:
			assert.Equal(t, engine.EventNotification, evt.Type)
			assert.Equal(t, "Call the dentist", evt.Title)
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("no event relayed to the websocket client")
		}
	}
}
