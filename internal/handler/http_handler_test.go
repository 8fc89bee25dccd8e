package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/internal/ratelimit"
	"github.com/relaypoint/relaypoint/internal/service"
	"github.com/relaypoint/relaypoint/pkg/middleware"
	"github.com/relaypoint/relaypoint/pkg/response"
	"github.com/relaypoint/relaypoint/pkg/token"
)

const testSecret = "test-secret"

// stubService returns canned results per method.
type stubService struct {
	sendErr   error
	batchErr  error
	batch     *domain.BatchReadResult
	sent      *domain.Message
	listedErr error
}

func (s *stubService) SendMessage(_ context.Context, senderID, roomID string, _ *domain.SendMessageRequest) (*domain.Message, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	if s.sent != nil {
		return s.sent, nil
	}
	return &domain.Message{ID: "msg-1", RoomID: roomID, SenderID: senderID, Content: "ok", Type: domain.MessageTypeText}, nil
}

func (s *stubService) EditMessage(_ context.Context, _, messageID, content string) (*domain.Message, error) {
	return &domain.Message{ID: messageID, Content: content, IsEdited: true}, nil
}

func (s *stubService) DeleteMessage(context.Context, string, string) error { return nil }

func (s *stubService) SetPinned(_ context.Context, userID, messageID string, pinned bool) (*domain.Message, error) {
	return &domain.Message{ID: messageID, IsPinned: pinned}, nil
}

func (s *stubService) ToggleReaction(context.Context, string, string, string) ([]domain.ReactionGroup, error) {
	return []domain.ReactionGroup{{Emoji: "👍", Count: 1, UserIDs: []string{"u1"}}}, nil
}

func (s *stubService) ListMessages(_ context.Context, _, roomID, _ string, _ int) (*domain.ListMessagesResponse, error) {
	if s.listedErr != nil {
		return nil, s.listedErr
	}
	return &domain.ListMessagesResponse{Messages: []domain.Message{{ID: "m1", RoomID: roomID}}}, nil
}

func (s *stubService) MarkBatchAsRead(_ context.Context, _ string, ids []string) (*domain.BatchReadResult, error) {
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	if s.batch != nil {
		return s.batch, nil
	}
	return &domain.BatchReadResult{Marked: len(ids), Total: len(ids)}, nil
}

func mintUserToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	claims := &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "relaypoint",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		UserID:   userID,
		Username: userID,
		Type:     token.TypeUser,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestRouter(svc service.MessageService, limiterMax int) *gin.Engine {
	gin.SetMode(gin.TestMode)

	tokens := token.NewManager(testSecret, "relaypoint")
	auth := middleware.NewAuthMiddleware(tokens)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Name: "test", Max: limiterMax, Window: time.Minute})

	r := gin.New()
	h := NewHandler(svc, auth, limiter)
	h.RegisterRoutes(r)
	return r
}

func do(r *gin.Engine, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	w := do(r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	w := do(r, http.MethodPost, "/api/rooms/r1/messages", "", map[string]string{"content": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSystemTokenRejectedOnAPI(t *testing.T) {
	tokens := token.NewManager(testSecret, "relaypoint")
	sys, err := tokens.MintSystemToken(time.Hour)
	if err != nil {
		t.Fatalf("mint system token: %v", err)
	}

	r := newTestRouter(&stubService{}, 100)
	w := do(r, http.MethodPost, "/api/rooms/r1/messages", sys, map[string]string{"content": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for system token", w.Code)
	}
}

func TestSendMessageCreated(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	tok := mintUserToken(t, "alice")

	w := do(r, http.MethodPost, "/api/rooms/r1/messages", tok, map[string]string{"content": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrForbidden, http.StatusForbidden},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrInvalidInput, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}

	tok := mintUserToken(t, "alice")
	for _, c := range cases {
		r := newTestRouter(&stubService{sendErr: c.err}, 100)
		w := do(r, http.MethodPost, "/api/rooms/r1/messages", tok, map[string]string{"content": "hi"})
		if w.Code != c.want {
			t.Fatalf("err %v -> status %d, want %d", c.err, w.Code, c.want)
		}
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	r := newTestRouter(&stubService{}, 2)
	tok := mintUserToken(t, "alice")

	for i := 0; i < 2; i++ {
		w := do(r, http.MethodPost, "/api/rooms/r1/messages", tok, map[string]string{"content": "hi"})
		if w.Code != http.StatusCreated {
			t.Fatalf("call %d status = %d", i, w.Code)
		}
	}

	w := do(r, http.MethodPost, "/api/rooms/r1/messages", tok, map[string]string{"content": "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", w.Header().Get("X-RateLimit-Remaining"))
	}

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.RetryAfter < 1 {
		t.Fatalf("error body = %+v", resp.Error)
	}
}

func TestListMessagesValidatesLimit(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	tok := mintUserToken(t, "alice")

	w := do(r, http.MethodGet, "/api/rooms/r1/messages?limit=500", tok, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = do(r, http.MethodGet, "/api/rooms/r1/messages?limit=20", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestBatchReadValidation(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	tok := mintUserToken(t, "alice")

	// Empty batch fails binding.
	w := do(r, http.MethodPost, "/api/messages/read-batch", tok, map[string][]string{"messageIds": {}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want 400", w.Code)
	}

	// Oversized batch fails binding.
	big := make([]string, 101)
	for i := range big {
		big[i] = "x"
	}
	w = do(r, http.MethodPost, "/api/messages/read-batch", tok, map[string][]string{"messageIds": big})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch status = %d, want 400", w.Code)
	}

	// Valid batch succeeds.
	w = do(r, http.MethodPost, "/api/messages/read-batch", tok, map[string][]string{"messageIds": {"m1", "m2"}})
	if w.Code != http.StatusOK {
		t.Fatalf("valid batch status = %d: %s", w.Code, w.Body.String())
	}

	// The counters sit flat in the body, not under a data envelope.
	var resp struct {
		Success bool `json:"success"`
		Marked  int  `json:"marked"`
		Skipped int  `json:"skipped"`
		Total   int  `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Marked != 2 || resp.Total != 2 {
		t.Fatalf("result = %+v", resp)
	}
}

func TestPinEndpoints(t *testing.T) {
	r := newTestRouter(&stubService{}, 100)
	tok := mintUserToken(t, "alice")

	w := do(r, http.MethodPut, "/api/messages/m1/pin", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pin status = %d", w.Code)
	}
	w = do(r, http.MethodDelete, "/api/messages/m1/pin", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unpin status = %d", w.Code)
	}
}
