package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/commands/bus"
	cmdhandlers "mindmap-history/application/commands/handlers"
	querybus "mindmap-history/application/queries/bus"
	queryhandlers "mindmap-history/application/queries/handlers"
	"mindmap-history/application/services"
	"mindmap-history/domain/config"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	"mindmap-history/interfaces/http/rest/handlers"
	"mindmap-history/interfaces/http/rest/middleware"
	"mindmap-history/pkg/auth"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/tests/fixtures"
	"mindmap-history/tests/mocks"
)

const testSecret = "router-test-secret"

type testServer struct {
	handler http.Handler
	writer  *mocks.MockHistoryWriter
	reader  *mocks.MockHistoryReader
	pruner  *mocks.MockPruner
}

func newTestServer(t *testing.T, limiter auth.RateLimiter) *testServer {
	t.Helper()
	logger := zap.NewNop()
	s := &testServer{
		writer: new(mocks.MockHistoryWriter),
		reader: new(mocks.MockHistoryReader),
		pruner: new(mocks.MockPruner),
	}

	commandBus := bus.NewCommandBus()
	require.NoError(t, cmdhandlers.RegisterHistoryHandlers(commandBus, s.writer, s.pruner, config.DefaultDomainConfig(), logger))
	queryBus := querybus.NewQueryBus()
	require.NoError(t, queryhandlers.RegisterHistoryQueries(queryBus, s.reader, logger))

	verifier, err := auth.NewVerifier(auth.VerifierConfig{SecretKey: testSecret})
	require.NoError(t, err)
	errorHandler := pkgerrors.NewErrorHandler(logger, false)

	router := NewRouter(
		handlers.NewHistoryHandler(commandBus, queryBus, errorHandler, logger),
		errorHandler,
		RouterOptions{
			Authenticate:  middleware.Authenticate(verifier, errorHandler, logger),
			AccessChecker: auth.ClaimsAccessChecker{},
			Limiter:       limiter,
		},
		logger,
	)
	s.handler = router.Setup()
	return s
}

func token(t *testing.T, claims auth.Claims) string {
	t.Helper()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func owner(t *testing.T) string {
	return token(t, auth.Claims{UserID: "user-1", Owns: []string{"doc-1"}})
}

func (s *testServer) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body pkgerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRouter_UnmatchedRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantType   pkgerrors.ErrorType
	}{
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, pkgerrors.ErrorTypeNotFound},
		{"wrong method", http.MethodPost, "/health", http.StatusMethodNotAllowed, pkgerrors.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := s.do(t, tt.method, tt.path, "", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body pkgerrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.wantType), body.Type)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestRouter_Authorization(t *testing.T) {
	tests := []struct {
		name       string
		bearer     func(t *testing.T) string
		wantStatus int
	}{
		{name: "missing token", bearer: func(t *testing.T) string { return "" }, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", bearer: func(t *testing.T) string { return "not-a-jwt" }, wantStatus: http.StatusUnauthorized},
		{
			name: "document not shared",
			bearer: func(t *testing.T) string {
				return token(t, auth.Claims{UserID: "user-2", Documents: []string{"doc-2"}})
			},
			wantStatus: http.StatusForbidden,
		},
		{name: "owner", bearer: owner, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newTestServer(t, nil)
			s.reader.On("GetPointer", mock.Anything, "doc-1").
				Return(&history.Pointer{DocumentID: "doc-1", SnapshotID: "s0"}, nil).Maybe()

			// Act
			rec := s.do(t, http.MethodGet, "/api/v2/documents/doc-1/history/pointer", tt.bearer(t), "")

			// Assert
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRouter_Timeline(t *testing.T) {
	// Arrange
	s := newTestServer(t, nil)
	page := &history.TimelinePage{Items: []history.TimelineItem{}, Total: 0}
	s.reader.On("Timeline", mock.Anything, "doc-1", mock.MatchedBy(func(f history.TimelineFilter) bool {
		return f.Limit == 10 && f.Offset == 5 && f.ActionName == "Add" &&
			f.StartDate != nil && f.StartDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	}), true).Return(page, nil)

	// Act
	rec := s.do(t, http.MethodGet,
		"/api/v2/documents/doc-1/history/timeline?limit=10&offset=5&actionName=Add&startDate=2024-03-01&grouped=true",
		owner(t), "")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.reader.AssertExpectations(t)
}

func TestRouter_Timeline_InvalidParams(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v2/documents/doc-1/history/timeline?limit=-1", owner(t), "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	s.reader.AssertNotCalled(t, "Timeline", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRouter_RecordEdit_UsesCallerIdentity(t *testing.T) {
	// Arrange
	s := newTestServer(t, nil)
	result := &services.WriteResult{Pointer: history.Pointer{DocumentID: "doc-1", SnapshotID: "s0", EventID: "e0"}}
	s.writer.On("RecordEdit", mock.Anything, mock.MatchedBy(func(req services.EditRequest) bool {
		return req.DocumentID == "doc-1" && req.UserID == "user-1" && req.ActionName == "Add root" && req.After.NodeCount() == 1
	})).Return(result, nil)
	root := fixtures.NewNodeBuilder().WithID("root").WithContent("Ideas").MustBuild()
	payload, err := json.Marshal(handlers.RecordEditRequest{ActionName: "Add root", Nodes: []entities.Node{root}})
	require.NoError(t, err)

	// Act
	rec := s.do(t, http.MethodPost, "/api/v2/documents/doc-1/history/edits", owner(t), string(payload))

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got services.WriteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "e0", got.Pointer.EventID)
	s.writer.AssertExpectations(t)
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		setup      func(s *testServer)
		wantStatus int
		wantCode   string
	}{
		{
			name: "checkpoint without entitlement",
			path: "/api/v2/documents/doc-1/history/checkpoints",
			body: `{"actionName":"Release"}`,
			setup: func(s *testServer) {
				s.writer.On("CreateCheckpoint", mock.Anything, mock.Anything).
					Return(nil, pkgerrors.ErrCheckpointNotEntitled.Clone())
			},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "CHECKPOINT_NOT_ENTITLED",
		},
		{
			name: "checkpoint too large",
			path: "/api/v2/documents/doc-1/history/checkpoints",
			body: `{"actionName":"Release"}`,
			setup: func(s *testServer) {
				s.writer.On("CreateCheckpoint", mock.Anything, mock.Anything).
					Return(nil, &history.SizeLimitExceededError{Size: 20, Limit: 10})
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "SNAPSHOT_TOO_LARGE",
		},
		{
			name: "malformed delta",
			path: "/api/v2/documents/doc-1/history/deltas",
			body: `{"actionName":"Add","delta":{"operation":"add","entityType":"node","changes":[{"op":"add","entityType":"node","entityId":"n1"}]}}`,
			setup: func(s *testServer) {},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "MALFORMED_DELTA",
		},
		{
			name: "unresolved index conflict",
			path: "/api/v2/documents/doc-1/history/undo",
			setup: func(s *testServer) {
				s.writer.On("Undo", mock.Anything, "doc-1", "user-1").
					Return(nil, history.ErrIndexConflict)
			},
			wantStatus: http.StatusConflict,
			wantCode:   "CONCURRENT_EDIT",
		},
		{
			name:       "unknown body field",
			path:       "/api/v2/documents/doc-1/history/checkpoints",
			body:       `{"unexpected":true}`,
			setup:      func(s *testServer) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newTestServer(t, nil)
			tt.setup(s)

			// Act
			rec := s.do(t, http.MethodPost, tt.path, owner(t), tt.body)

			// Assert
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
			}
		})
	}
}

func TestRouter_State_TruncatedIsOK(t *testing.T) {
	// Arrange
	s := newTestServer(t, nil)
	broken := history.Cursor{SnapshotID: "s0", EventID: "e2"}
	s.reader.On("StateAt", mock.Anything, "doc-1", &history.Cursor{SnapshotID: "s0", EventID: "e3"}).
		Return(&services.Resolution{
			State:     fixtures.NewGraphBuilder().WithNode("root", "", "Ideas").MustBuild(),
			Cursor:    history.Cursor{SnapshotID: "s0", EventID: "e1"},
			Truncated: true,
			BrokenAt:  &broken,
		}, nil)

	// Act
	rec := s.do(t, http.MethodGet, "/api/v2/documents/doc-1/history/state?snapshotId=s0&eventId=e3", owner(t), "")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Truncated bool           `json:"truncated"`
		BrokenAt  history.Cursor `json:"brokenAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Truncated)
	assert.Equal(t, "e2", got.BrokenAt.EventID)
}

func TestRouter_RateLimit(t *testing.T) {
	// Arrange
	s := newTestServer(t, auth.NewTokenBucketLimiter(0.001, 1, 0))
	s.reader.On("GetPointer", mock.Anything, "doc-1").
		Return(&history.Pointer{DocumentID: "doc-1", SnapshotID: "s0"}, nil)
	bearer := owner(t)

	// Act
	first := s.do(t, http.MethodGet, "/api/v2/documents/doc-1/history/pointer", bearer, "")
	second := s.do(t, http.MethodGet, "/api/v2/documents/doc-1/history/pointer", bearer, "")

	// Assert
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestRouter_AdminCleanup(t *testing.T) {
	tests := []struct {
		name       string
		claims     auth.Claims
		wantStatus int
	}{
		{name: "editor is refused", claims: auth.Claims{UserID: "user-1"}, wantStatus: http.StatusForbidden},
		{name: "admin sweeps every document", claims: auth.Claims{UserID: "ops", Roles: []string{auth.RoleAdmin}}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newTestServer(t, nil)
			s.pruner.On("Cleanup", mock.Anything, "").
				Return(history.PruneResult{Documents: 3, DeletedEvents: 12}, nil).Maybe()

			// Act
			rec := s.do(t, http.MethodPost, "/api/v2/history/cleanup", token(t, tt.claims), "")

			// Assert
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				s.pruner.AssertCalled(t, "Cleanup", mock.Anything, "")
			} else {
				s.pruner.AssertNotCalled(t, "Cleanup", mock.Anything, mock.Anything)
			}
		})
	}
}
