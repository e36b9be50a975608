package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"mindmap-history/infrastructure/persistence/dynamodb"
	"mindmap-history/pkg/auth"
)

const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"
)

type registry interface {
	Register(ctx context.Context, conn dynamodb.Connection) error
	Remove(ctx context.Context, connectionID string) error
}

type tokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// connectHandler registers and forgets websocket connections. Without a
// verifier the userId query parameter is trusted.
type connectHandler struct {
	registry registry
	verifier tokenVerifier
	logger   *zap.Logger
	now      func() time.Time
}

// Handle processes one websocket lifecycle request
func (h *connectHandler) Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	switch req.RequestContext.RouteKey {
	case routeDisconnect:
		if err := h.registry.Remove(ctx, connectionID); err != nil {
			h.logger.Error("Failed to remove connection", zap.String("connection_id", connectionID), zap.Error(err))
			return respond(http.StatusInternalServerError), nil
		}
		return respond(http.StatusOK), nil
	case routeConnect:
	default:
		return respond(http.StatusBadRequest), nil
	}

	documentID := strings.TrimSpace(req.QueryStringParameters["documentId"])
	if documentID == "" {
		return respond(http.StatusBadRequest), nil
	}

	userID, status := h.identify(req, documentID)
	if status != http.StatusOK {
		return respond(status), nil
	}

	now := time.Now
	if h.now != nil {
		now = h.now
	}
	conn := dynamodb.Connection{
		ConnectionID: connectionID,
		UserID:       userID,
		DocumentID:   documentID,
		Endpoint:     fmt.Sprintf("%s/%s", req.RequestContext.DomainName, req.RequestContext.Stage),
		ConnectedAt:  now(),
	}
	if err := h.registry.Register(ctx, conn); err != nil {
		h.logger.Error("Failed to store connection", zap.String("connection_id", connectionID), zap.Error(err))
		return respond(http.StatusInternalServerError), nil
	}

	h.logger.Info("Websocket connection established",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.String("document_id", documentID),
	)
	return respond(http.StatusOK), nil
}

// identify resolves the caller and checks access to the document
func (h *connectHandler) identify(req events.APIGatewayWebsocketProxyRequest, documentID string) (string, int) {
	if h.verifier == nil {
		userID := req.QueryStringParameters["userId"]
		if userID == "" {
			return "", http.StatusUnauthorized
		}
		return userID, http.StatusOK
	}

	token := req.QueryStringParameters["token"]
	if token == "" {
		token = strings.TrimPrefix(req.Headers["Authorization"], "Bearer ")
	}
	if token == "" {
		return "", http.StatusUnauthorized
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredToken) {
			level = zap.InfoLevel
		}
		h.logger.Check(level, "Websocket authentication failed").Write(zap.Error(err))
		return "", http.StatusUnauthorized
	}
	if !claims.CanAccessDocument(documentID) {
		return "", http.StatusForbidden
	}
	return claims.UserID, http.StatusOK
}

func respond(status int) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status}
}
