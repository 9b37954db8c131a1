package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"approval-engine/internal/middleware"
	"approval-engine/internal/models"
	"approval-engine/internal/repository"
	"approval-engine/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockStore backs both the document store and the audit sink in handler tests
type MockStore struct {
	mock.Mock
}

var _ repository.ApprovalRepositoryInterface = (*MockStore)(nil)
var _ repository.AuditSink = (*MockStore)(nil)

func (m *MockStore) CreateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	args := m.Called(ctx, request)
	if args.Error(0) == nil {
		request.ID = uuid.New()
		request.CreatedAt = time.Now()
	}
	return args.Error(0)
}

func (m *MockStore) GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ApprovalRequest), args.Error(1)
}

func (m *MockStore) UpdateRequestWithVersion(ctx context.Context, request *models.ApprovalRequest) error {
	args := m.Called(ctx, request)
	if args.Error(0) == nil {
		request.Version++
	}
	return args.Error(0)
}

func (m *MockStore) ListRequests(ctx context.Context, filter repository.RequestFilter, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	args := m.Called(ctx, filter, limit, offset)
	return args.Get(0).([]models.ApprovalRequest), args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) ListPendingForApprover(ctx context.Context, approverID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	args := m.Called(ctx, approverID, limit, offset)
	return args.Get(0).([]models.ApprovalRequest), args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) ListPendingByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	args := m.Called(ctx, requesterID, limit, offset)
	return args.Get(0).([]models.ApprovalRequest), args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) GetRequestByEntity(ctx context.Context, entityID, entityType string) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, entityID, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ApprovalRequest), args.Error(1)
}

func (m *MockStore) GetRequestStats(ctx context.Context) (*repository.RequestStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.RequestStats), args.Error(1)
}

func (m *MockStore) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockStore) GetAuditTrail(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ApprovalAuditLog), args.Error(1)
}

func setupRouter(store *MockStore) *gin.Engine {
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	service := services.NewApprovalService(store)
	// nil publisher and nil stats cache are valid: both degrade to no-ops
	handler := NewApprovalHandler(service, store, nil, nil, logger)

	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(middleware.IdentityMiddleware())
	api.POST("/approvals", handler.CreateRequest)
	api.GET("/approvals", handler.ListRequests)
	api.GET("/approvals/pending", handler.ListPendingForApprover)
	api.GET("/approvals/my-requests", handler.ListMyRequests)
	api.GET("/approvals/stats", handler.GetStats)
	api.GET("/approvals/entity/:entityType/:entityId", handler.GetRequestByEntity)
	api.GET("/approvals/:id", handler.GetRequest)
	api.DELETE("/approvals/:id", handler.CancelRequest)
	api.POST("/approvals/:id/approve", handler.ApproveRequest)
	api.POST("/approvals/:id/reject", handler.RejectRequest)
	api.POST("/approvals/:id/comments", handler.AddComment)
	api.GET("/approvals/:id/audit", handler.GetAuditTrail)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}, userID uuid.UUID, userName string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("X-User-ID", userID.String())
		req.Header.Set("X-User-Name", userName)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func pendingRequest(requesterID, approverID uuid.UUID) *models.ApprovalRequest {
	now := time.Now()
	return &models.ApprovalRequest{
		ID:              uuid.New(),
		Type:            models.TypeExpense,
		EntityID:        "expense-7",
		EntityType:      "expense",
		EntityName:      "Conference travel",
		Description:     "Flights and hotel",
		RequestedBy:     requesterID,
		RequestedByName: "Dana",
		RequestedAt:     now,
		Status:          models.StatusPending,
		Priority:        models.PriorityMedium,
		Approvers: []models.ApproverSlot{
			{UserID: approverID, UserName: "Alice", Level: 1, Status: models.StatusPending},
		},
		CurrentApproverLevel: 1,
		Version:              1,
		CreatedAt:            now,
	}
}

// ===========================================
// Create Request Tests
// ===========================================

func TestCreateRequestHandler_Created(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	store.On("CreateRequest", mock.Anything, mock.AnythingOfType("*models.ApprovalRequest")).Return(nil)
	store.On("CreateAuditLog", mock.Anything, mock.AnythingOfType("*models.ApprovalAuditLog")).Return(nil)

	body := map[string]interface{}{
		"type":        models.TypeExpense,
		"entityId":    "expense-7",
		"entityType":  "expense",
		"entityName":  "Conference travel",
		"description": "Flights and hotel",
		"approvers": []map[string]interface{}{
			{"userId": uuid.New().String(), "userName": "Alice", "level": 1},
		},
	}

	w := doRequest(router, http.MethodPost, "/api/v1/approvals", body, uuid.New(), "Dana")

	assert.Equal(t, http.StatusCreated, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, models.StatusPending, response.Status)
	assert.Equal(t, 1, response.CurrentApproverLevel)
	assert.Len(t, response.ApprovalHistory, 1)
	store.AssertExpectations(t)
}

func TestCreateRequestHandler_ValidationError(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	// Binding passes but the engine refuses the unknown type
	body := map[string]interface{}{
		"type":        "vacation",
		"entityId":    "expense-7",
		"entityType":  "expense",
		"description": "Flights and hotel",
		"approvers": []map[string]interface{}{
			{"userId": uuid.New().String(), "level": 1},
		},
	}

	w := doRequest(router, http.MethodPost, "/api/v1/approvals", body, uuid.New(), "Dana")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertNotCalled(t, "CreateRequest")
}

func TestCreateRequestHandler_Unauthenticated(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	w := doRequest(router, http.MethodPost, "/api/v1/approvals", map[string]interface{}{}, uuid.Nil, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ===========================================
// Get / List Tests
// ===========================================

func TestGetRequestHandler_OK(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	request := pendingRequest(uuid.New(), uuid.New())
	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/"+request.ID.String(), nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, request.ID, response.ID)
}

func TestGetRequestHandler_NotFound(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	id := uuid.New()
	store.On("GetRequestByID", mock.Anything, id).Return(nil, repository.ErrNotFound)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/"+id.String(), nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRequestHandler_InvalidID(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/not-a-uuid", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertNotCalled(t, "GetRequestByID")
}

func TestListRequestsHandler_Filters(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	expected := repository.RequestFilter{Type: models.TypeExpense, Status: models.StatusPending}
	store.On("ListRequests", mock.Anything, expected, 20, 0).
		Return([]models.ApprovalRequest{*pendingRequest(uuid.New(), uuid.New())}, int64(1), nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals?type=expense&status=pending", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data   []models.ApprovalRequest `json:"data"`
		Total  int64                    `json:"total"`
		Limit  int                      `json:"limit"`
		Offset int                      `json:"offset"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Total)
	assert.Len(t, response.Data, 1)
	assert.Equal(t, 20, response.Limit)
	store.AssertExpectations(t)
}

func TestListRequestsHandler_InvalidRequesterFilter(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals?requestedBy=nope", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertNotCalled(t, "ListRequests")
}

func TestListRequestsHandler_ClampsPagination(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	store.On("ListRequests", mock.Anything, repository.RequestFilter{}, 20, 0).
		Return([]models.ApprovalRequest{}, int64(0), nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals?limit=500&offset=-3", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)
	store.AssertExpectations(t)
}

func TestListPendingForApproverHandler(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	approverID := uuid.New()
	store.On("ListPendingForApprover", mock.Anything, approverID, 20, 0).
		Return([]models.ApprovalRequest{*pendingRequest(uuid.New(), approverID)}, int64(1), nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/pending", nil, approverID, "Alice")

	assert.Equal(t, http.StatusOK, w.Code)
	store.AssertExpectations(t)
}

func TestListMyRequestsHandler(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	requesterID := uuid.New()
	store.On("ListPendingByRequester", mock.Anything, requesterID, 20, 0).
		Return([]models.ApprovalRequest{}, int64(0), nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/my-requests", nil, requesterID, "Dana")

	assert.Equal(t, http.StatusOK, w.Code)
	store.AssertExpectations(t)
}

func TestGetRequestByEntityHandler(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	request := pendingRequest(uuid.New(), uuid.New())
	store.On("GetRequestByEntity", mock.Anything, "expense-7", "expense").Return(request, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/entity/expense/expense-7", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, request.ID, response.ID)
}

func TestGetStatsHandler(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	store.On("GetRequestStats", mock.Anything).Return(&repository.RequestStats{
		Total:    3,
		Pending:  1,
		Approved: 2,
		ByType:   map[string]int64{models.TypeExpense: 3},
	}, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/stats", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var stats repository.RequestStats
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.ByType[models.TypeExpense])
}

// ===========================================
// Decision Tests
// ===========================================

func TestApproveRequestHandler_OK(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	approverID := uuid.New()
	request := pendingRequest(uuid.New(), approverID)

	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)
	store.On("UpdateRequestWithVersion", mock.Anything, request).Return(nil)
	store.On("CreateAuditLog", mock.Anything, mock.AnythingOfType("*models.ApprovalAuditLog")).Return(nil)

	body := map[string]string{"comment": "approved after review"}
	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+request.ID.String()+"/approve", body, approverID, "Alice")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, models.StatusApproved, response.Status)
	assert.Equal(t, models.StatusApproved, response.Approvers[0].Status)
	store.AssertExpectations(t)
}

func TestApproveRequestHandler_NotAnApprover(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	request := pendingRequest(uuid.New(), uuid.New())
	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+request.ID.String()+"/approve", nil, uuid.New(), "Mallory")

	assert.Equal(t, http.StatusForbidden, w.Code)
	store.AssertNotCalled(t, "UpdateRequestWithVersion")
	store.AssertNotCalled(t, "CreateAuditLog")
}

func TestApproveRequestHandler_TerminalRequest(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	approverID := uuid.New()
	request := pendingRequest(uuid.New(), approverID)
	request.Status = models.StatusCancelled

	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+request.ID.String()+"/approve", nil, approverID, "Alice")

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRejectRequestHandler_OK(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	approverID := uuid.New()
	request := pendingRequest(uuid.New(), approverID)

	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)
	store.On("UpdateRequestWithVersion", mock.Anything, request).Return(nil)
	store.On("CreateAuditLog", mock.Anything, mock.AnythingOfType("*models.ApprovalAuditLog")).Return(nil)

	body := map[string]string{"reason": "budget exceeded"}
	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+request.ID.String()+"/reject", body, approverID, "Alice")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, models.StatusRejected, response.Status)
	store.AssertExpectations(t)
}

func TestRejectRequestHandler_MissingReason(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+uuid.New().String()+"/reject", map[string]string{}, uuid.New(), "Alice")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertNotCalled(t, "GetRequestByID")
}

func TestCancelRequestHandler_OK(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	requesterID := uuid.New()
	request := pendingRequest(requesterID, uuid.New())

	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)
	store.On("UpdateRequestWithVersion", mock.Anything, request).Return(nil)
	store.On("CreateAuditLog", mock.Anything, mock.AnythingOfType("*models.ApprovalAuditLog")).Return(nil)

	w := doRequest(router, http.MethodDelete, "/api/v1/approvals/"+request.ID.String(), nil, requesterID, "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, models.StatusCancelled, response.Status)
	store.AssertExpectations(t)
}

func TestCancelRequestHandler_NotRequester(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	request := pendingRequest(uuid.New(), uuid.New())
	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)

	w := doRequest(router, http.MethodDelete, "/api/v1/approvals/"+request.ID.String(), nil, uuid.New(), "Mallory")

	assert.Equal(t, http.StatusForbidden, w.Code)
	store.AssertNotCalled(t, "UpdateRequestWithVersion")
}

func TestAddCommentHandler_OK(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	commenterID := uuid.New()
	request := pendingRequest(uuid.New(), uuid.New())
	request.Status = models.StatusRejected

	store.On("GetRequestByID", mock.Anything, request.ID).Return(request, nil)
	store.On("UpdateRequestWithVersion", mock.Anything, request).Return(nil)
	store.On("CreateAuditLog", mock.Anything, mock.AnythingOfType("*models.ApprovalAuditLog")).Return(nil)

	body := map[string]string{"comment": "follow-up filed"}
	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+request.ID.String()+"/comments", body, commenterID, "Eve")

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.ApprovalRequest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, models.StatusRejected, response.Status)
	assert.Equal(t, models.ActionCommented, response.ApprovalHistory[len(response.ApprovalHistory)-1].Action)
	store.AssertExpectations(t)
}

func TestAddCommentHandler_MissingComment(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	w := doRequest(router, http.MethodPost, "/api/v1/approvals/"+uuid.New().String()+"/comments", map[string]string{}, uuid.New(), "Eve")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertNotCalled(t, "GetRequestByID")
}

// ===========================================
// Audit Trail Tests
// ===========================================

func TestGetAuditTrailHandler(t *testing.T) {
	store := new(MockStore)
	router := setupRouter(store)

	requestID := uuid.New()
	actorID := uuid.New()
	store.On("GetAuditTrail", mock.Anything, requestID).Return([]models.ApprovalAuditLog{
		{RequestID: requestID, EventType: models.AuditEventCreated, ActorID: &actorID, ActorName: "Dana"},
		{RequestID: requestID, EventType: models.AuditEventApproved, ActorID: &actorID, ActorName: "Alice"},
	}, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/approvals/"+requestID.String()+"/audit", nil, uuid.New(), "Dana")

	assert.Equal(t, http.StatusOK, w.Code)

	var logs []models.ApprovalAuditLog
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 2)
	assert.Equal(t, models.AuditEventCreated, logs[0].EventType)
}
