package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/httpmw"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func logEvent(runID string, seq int) *bus.Event {
	return bus.NewEvent(events.RunLogEvent, "test", events.LogEventData("t1", "m1", &models.LogEvent{
		RunID:   runID,
		Seq:     seq,
		Type:    models.EventTypeText,
		Preview: "hello",
	}))
}

func TestHub_RoutesByRun(t *testing.T) {
	hub := startHub(t)
	a := NewClient("a", nil, hub, hub.logger)
	b := NewClient("b", nil, hub, hub.logger)
	hub.Register(a)
	hub.Register(b)
	a.Subscribe("r1")
	b.Subscribe("r2")
	assert.Equal(t, 2, hub.GetClientCount())
	assert.Equal(t, 1, hub.GetRunSubscriberCount("r1"))

	hub.Broadcast("r1", logEvent("r1", 1))

	select {
	case data := <-a.send:
		var ev bus.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, events.RunLogEvent, ev.Type)
		assert.Equal(t, "r1", ev.String("run_id"))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber of r1 got nothing")
	}
	select {
	case <-b.send:
		t.Fatal("subscriber of r2 got an r1 event")
	case <-time.After(50 * time.Millisecond):
	}

	a.Unsubscribe("r1")
	assert.Equal(t, 0, hub.GetRunSubscriberCount("r1"))
	assert.False(t, a.IsSubscribed("r1"))
}

func TestHub_RegisterIsVisibleAtOnce(t *testing.T) {
	// no Run loop: registration and subscription must not depend on it
	hub := NewHub(logger.NewTestLogger(t))
	c := NewClient("c", nil, hub, hub.logger)
	hub.Register(c)
	c.Subscribe("r1")
	assert.Equal(t, 1, hub.GetClientCount())
	assert.Equal(t, 1, hub.GetRunSubscriberCount("r1"))
}

func TestHub_RegisterAfterShutdown(t *testing.T) {
	hub := NewHub(logger.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	c := NewClient("late", nil, hub, hub.logger)
	hub.Register(c)
	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := startHub(t)
	c := NewClient("slow", nil, hub, hub.logger)
	hub.Register(c)
	c.Subscribe("r1")

	for i := 0; i <= sendBuffer; i++ {
		hub.Broadcast("r1", logEvent("r1", i))
	}

	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.GetRunSubscriberCount("r1"))
}

func TestHub_SubscribeBeforeRegisterIsIgnored(t *testing.T) {
	hub := startHub(t)
	c := NewClient("late", nil, hub, hub.logger)
	c.Subscribe("r1")
	assert.Equal(t, 0, hub.GetRunSubscriberCount("r1"))
}

func TestHub_AttachBus(t *testing.T) {
	hub := startHub(t)
	eventBus := bus.NewMemoryEventBus(hub.logger)
	defer eventBus.Close()
	subs, err := hub.AttachBus(eventBus)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	c := NewClient("c", nil, hub, hub.logger)
	hub.Register(c)
	c.Subscribe("r1")

	run := &models.Run{ID: "r1", TaskID: "t1", ModelID: "m1", Status: models.RunStatusCompleted}
	require.NoError(t, eventBus.Publish(context.Background(), events.RunFinished, events.NewRunEvent(events.RunFinished, "test", run)))

	select {
	case data := <-c.send:
		assert.Contains(t, string(data), `"run.finished"`)
	case <-time.After(2 * time.Second):
		t.Fatal("bus event was not forwarded")
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWSHandler_StreamAll(t *testing.T) {
	hub := startHub(t)
	router := gin.New()
	router.Use(httpmw.ErrorHandler(hub.logger))
	SetupWebSocketRoutes(router.Group("/api/v1"), NewWSHandler(hub, repository.NewMemoryRepository(), hub.logger))
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: ActionSubscribe, RunIDs: []string{"r1"}}))
	require.Eventually(t, func() bool { return hub.GetRunSubscriberCount("r1") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("r1", logEvent("r1", 7))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "r1", ev.String("run_id"))
	assert.EqualValues(t, 7, ev.Data["seq"])
}

func TestWSHandler_StreamRun(t *testing.T) {
	hub := startHub(t)
	repo := repository.NewMemoryRepository()
	repo.PutRun(&models.Run{ID: "r9", TaskID: "t1", ModelID: "m1", Status: models.RunStatusRunning})
	router := gin.New()
	router.Use(httpmw.ErrorHandler(hub.logger))
	SetupWebSocketRoutes(router.Group("/api/v1"), NewWSHandler(hub, repo, hub.logger))
	srv := httptest.NewServer(router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/tasks/t1/runs/absent/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/tasks/t1/runs/m1/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.GetRunSubscriberCount("r9") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("r9", logEvent("r9", 1))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"r9"`)
}
