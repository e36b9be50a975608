package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmap-history/application/commands"
	"mindmap-history/application/services"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	"mindmap-history/infrastructure/config"
	"mindmap-history/infrastructure/di"
	"mindmap-history/interfaces/http/rest/handlers"
	"mindmap-history/interfaces/http/rest/middleware"
	"mindmap-history/tests/fixtures"
)

const (
	documentID = "doc-integration"
	userID     = "user-integration"
	historyURL = "/api/v2/documents/" + documentID + "/history"
)

// setupContainer wires the application the way cmd/api does, over a
// SQLite file in a temporary directory
func setupContainer(t *testing.T) *di.Container {
	t.Helper()
	t.Setenv("HISTORY_CONFIG_FILE", "")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STORAGE_BACKEND", config.BackendSQLite)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "history.db"))
	t.Setenv("REDIS_URL", "")
	t.Setenv("IS_LAMBDA", "false")
	t.Setenv("ENABLE_AUTH", "false")
	t.Setenv("ENABLE_METRICS", "true")
	t.Setenv("ENABLE_TRACING", "false")
	t.Setenv("WEBSOCKET_ENDPOINT", "")
	t.Setenv("RATE_LIMIT_PER_SECOND", "100")
	t.Setenv("RATE_LIMIT_BURST", "100")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	container, cleanup, err := di.InitializeContainer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return container
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c *client) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.DevUserHeader, userID)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHistoryFlow(t *testing.T) {
	container := setupContainer(t)
	api := &client{t: t, handler: container.Router.Setup()}

	root := fixtures.NewNodeBuilder().WithID("root").WithContent("Central idea").MustBuild()
	child := fixtures.NewNodeBuilder().WithID("child").WithParent("root").WithContent("Branch").MustBuild()

	t.Run("edits are recorded", func(t *testing.T) {
		rec := api.do(http.MethodPost, historyURL+"/edits", handlers.RecordEditRequest{
			ActionName: "Add root",
			Nodes:      []entities.Node{root},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		first := decode[services.WriteResult](t, rec)
		require.NotNil(t, first.Event)
		assert.False(t, first.NoChange)

		rec = api.do(http.MethodPost, historyURL+"/edits", handlers.RecordEditRequest{
			ActionName: "Add child",
			Nodes:      []entities.Node{root, child},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		second := decode[services.WriteResult](t, rec)
		require.NotNil(t, second.Event)
		assert.Equal(t, first.Event.SnapshotID, second.Event.SnapshotID)
		assert.Equal(t, first.Event.Index+1, second.Event.Index)
	})

	t.Run("state follows the pointer", func(t *testing.T) {
		rec := api.do(http.MethodGet, historyURL+"/state", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode[services.Resolution](t, rec)
		assert.False(t, res.Truncated)
		assert.Equal(t, 2, res.State.NodeCount())
	})

	t.Run("undo and redo move the pointer", func(t *testing.T) {
		rec := api.do(http.MethodPost, historyURL+"/undo", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		undo := decode[services.Navigation](t, rec)
		assert.False(t, undo.NoOp)
		assert.Equal(t, 1, undo.State.NodeCount())

		rec = api.do(http.MethodGet, historyURL+"/pointer", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		pointer := decode[history.Pointer](t, rec)
		assert.Equal(t, undo.Pointer.Cursor(), pointer.Cursor())
		assert.Equal(t, userID, pointer.UpdatedBy)

		rec = api.do(http.MethodPost, historyURL+"/redo", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		redo := decode[services.Navigation](t, rec)
		assert.False(t, redo.NoOp)
		assert.Equal(t, 2, redo.State.NodeCount())
	})

	t.Run("checkpoint of the current state", func(t *testing.T) {
		rec := api.do(http.MethodPost, historyURL+"/checkpoints", handlers.CreateCheckpointRequest{
			ActionName: "Milestone",
			IsMajor:    true,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		result := decode[commands.CheckpointResult](t, rec)
		assert.NotEmpty(t, result.SnapshotID)
	})

	t.Run("timeline lists the edits", func(t *testing.T) {
		rec := api.do(http.MethodGet, historyURL+"/timeline?limit=50", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[history.TimelinePage](t, rec)

		actions := make([]string, 0, len(page.Items))
		for _, item := range page.Items {
			actions = append(actions, item.ActionName)
		}
		assert.Contains(t, actions, "Add root")
		assert.Contains(t, actions, "Add child")
		assert.Contains(t, actions, "Milestone")
		assert.GreaterOrEqual(t, page.Total, 4)
	})

	t.Run("metrics are scraped", func(t *testing.T) {
		rec := api.do(http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness with a closed breaker", func(t *testing.T) {
		rec := api.do(http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHistoryFlow_RequiresIdentity(t *testing.T) {
	container := setupContainer(t)
	handler := container.Router.Setup()

	req := httptest.NewRequest(http.MethodGet, historyURL+"/timeline", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHistoryFlow_CleanupThroughBus(t *testing.T) {
	container := setupContainer(t)

	result, err := container.CommandBus.Send(context.Background(), &commands.CleanupHistoryCommand{RequestedBy: "scheduler"})

	require.NoError(t, err)
	_, ok := result.(history.PruneResult)
	assert.True(t, ok)
}
