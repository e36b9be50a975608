package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/application/commands/bus"
	"mindmap-history/application/queries"
	querybus "mindmap-history/application/queries/bus"
	"mindmap-history/application/services"
	"mindmap-history/domain/core/entities"
	"mindmap-history/domain/history"
	"mindmap-history/interfaces/http/rest/middleware"
	"mindmap-history/pkg/common"
	pkgerrors "mindmap-history/pkg/errors"
)

// HistoryHandler serves the document history routes
type HistoryHandler struct {
	commandBus   *bus.CommandBus
	queryBus     *querybus.QueryBus
	errorHandler *pkgerrors.ErrorHandler
	logger       *zap.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	errorHandler *pkgerrors.ErrorHandler,
	logger *zap.Logger,
) *HistoryHandler {
	return &HistoryHandler{
		commandBus:   commandBus,
		queryBus:     queryBus,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// RecordEditRequest is the body of POST /edits: the graph after the action
type RecordEditRequest struct {
	ActionName string          `json:"actionName"`
	Nodes      []entities.Node `json:"nodes"`
	Edges      []entities.Edge `json:"edges"`
}

// AppendDeltaRequest is the body of POST /deltas
type AppendDeltaRequest struct {
	ActionName string            `json:"actionName"`
	Delta      history.WireDelta `json:"delta"`
}

// CreateCheckpointRequest is the body of POST /checkpoints. Without nodes
// and edges the current state is checkpointed.
type CreateCheckpointRequest struct {
	ActionName string          `json:"actionName"`
	IsMajor    bool            `json:"isMajor"`
	Nodes      []entities.Node `json:"nodes,omitempty"`
	Edges      []entities.Edge `json:"edges,omitempty"`
}

// Timeline handles GET /timeline
func (h *HistoryHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	page, err := common.ExtractPageParams(r)
	if err != nil {
		h.fail(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}
	startDate, err := common.TimeParam(r, "startDate")
	if err != nil {
		h.fail(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}
	endDate, err := common.TimeParam(r, "endDate")
	if err != nil {
		h.fail(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}
	grouped, err := common.BoolParam(r, "grouped")
	if err != nil {
		h.fail(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	h.ask(w, r, http.StatusOK, &queries.GetTimelineQuery{
		DocumentID: documentID(r),
		Limit:      page.Limit,
		Offset:     page.Offset,
		StartDate:  startDate,
		EndDate:    endDate,
		ActionName: r.URL.Query().Get("actionName"),
		Grouped:    grouped,
	})
}

// GetDelta handles GET /events/{eventID}
func (h *HistoryHandler) GetDelta(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, http.StatusOK, &queries.GetDeltaQuery{
		DocumentID: documentID(r),
		EventID:    chi.URLParam(r, "eventID"),
	})
}

// GetState handles GET /state
func (h *HistoryHandler) GetState(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, http.StatusOK, &queries.GetStateQuery{
		DocumentID: documentID(r),
		SnapshotID: r.URL.Query().Get("snapshotId"),
		EventID:    r.URL.Query().Get("eventId"),
	})
}

// GetPointer handles GET /pointer
func (h *HistoryHandler) GetPointer(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, http.StatusOK, &queries.GetPointerQuery{DocumentID: documentID(r)})
}

// RecordEdit handles POST /edits
func (h *HistoryHandler) RecordEdit(w http.ResponseWriter, r *http.Request) {
	var req RecordEditRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusOK, &commands.RecordEditCommand{
		DocumentID: documentID(r),
		UserID:     userID(r.Context()),
		ActionName: req.ActionName,
		Nodes:      req.Nodes,
		Edges:      req.Edges,
	})
}

// AppendDelta handles POST /deltas
func (h *HistoryHandler) AppendDelta(w http.ResponseWriter, r *http.Request) {
	var req AppendDeltaRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusOK, &commands.AppendDeltaCommand{
		DocumentID: documentID(r),
		UserID:     userID(r.Context()),
		ActionName: req.ActionName,
		Delta:      req.Delta,
	})
}

// CreateCheckpoint handles POST /checkpoints
func (h *HistoryHandler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusCreated, &commands.CreateCheckpointCommand{
		DocumentID: documentID(r),
		UserID:     userID(r.Context()),
		ActionName: req.ActionName,
		IsMajor:    req.IsMajor,
		Nodes:      req.Nodes,
		Edges:      req.Edges,
	})
}

// Undo handles POST /undo
func (h *HistoryHandler) Undo(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, &commands.UndoCommand{
		DocumentID: documentID(r),
		UserID:     userID(r.Context()),
	})
}

// Redo handles POST /redo
func (h *HistoryHandler) Redo(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, &commands.RedoCommand{
		DocumentID: documentID(r),
		UserID:     userID(r.Context()),
	})
}

// Cleanup handles POST /cleanup for one document and, on the admin route
// without a document, for all of them
func (h *HistoryHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, &commands.CleanupHistoryCommand{
		DocumentID:  documentID(r),
		RequestedBy: userID(r.Context()),
	})
}

func (h *HistoryHandler) send(w http.ResponseWriter, r *http.Request, status int, cmd bus.Command) {
	result, err := h.commandBus.Send(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.RespondJSON(w, status, result)
}

func (h *HistoryHandler) ask(w http.ResponseWriter, r *http.Request, status int, query querybus.Query) {
	result, err := h.queryBus.Ask(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.RespondJSON(w, status, result)
}

func (h *HistoryHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := common.ParseJSONBody(w, r, v, common.MaxBodyBytes); err != nil {
		h.fail(w, r, pkgerrors.NewValidationError(err.Error()))
		return false
	}
	return true
}

func (h *HistoryHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	err = services.FromHistoryError(err)
	if pkgerrors.GetAppError(err) == nil && pkgerrors.GetDomainError(err) == nil {
		fields := append(common.ExtractMetadata(r.Context()).Fields(),
			zap.String("document_id", documentID(r)),
			zap.Error(err),
		)
		h.logger.Error("History request failed", fields...)
	}
	h.errorHandler.Handle(w, r, err)
}

func documentID(r *http.Request) string {
	return chi.URLParam(r, middleware.DocumentIDParam)
}

func userID(ctx context.Context) string {
	id, _ := common.GetUserID(ctx)
	return id
}
