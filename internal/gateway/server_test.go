package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
)

const voiceBody = `{
  "messageName": "MESSAGE_TO_SKILL",
  "messageId": 7,
  "sessionId": "s1",
  "uuid": {"userId": "u1", "userChannel": "B2C"},
  "payload": {"message": {"original_text": "привет"}}
}`

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeHandler struct {
	resp *message.Response
	err  error
	got  *message.Message
}

func (h *fakeHandler) Handle(ctx context.Context, msg *message.Message) (*message.Response, error) {
	h.got = msg
	return h.resp, h.err
}

type fakeExchanges struct {
	userID string
	limit  int
}

func (f *fakeExchanges) RecentExchanges(ctx context.Context, userID string, limit int) ([]models.ExchangeLog, error) {
	f.userID, f.limit = userID, limit
	return []models.ExchangeLog{{UserID: userID, MessageName: "MESSAGE_TO_SKILL", ResponseName: "ANSWER_TO_USER"}}, nil
}

func testRouter(t *testing.T, opts StartOpts) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return fixedNow }
	}
	router, err := NewRouter(opts)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router
}

func do(router http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNewRouter_NilHandler(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil handler")
	}
	if !strings.Contains(err.Error(), "handler is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "handler is required")
	}
}

func TestStart_NilHandler(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "handler is required") {
		t.Errorf("error = %v, want handler is required", err)
	}
}

func TestHealthz(t *testing.T) {
	w := do(testRouter(t, StartOpts{Handler: &fakeHandler{}}), http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %q, want status ok", w.Body.String())
	}
}

// --- POST /api/v1/messages ---

func TestMessages_ReturnsResponse(t *testing.T) {
	h := &fakeHandler{resp: message.Answer(map[string]any{"pronounceText": "Здравствуйте"})}
	w := do(testRouter(t, StartOpts{Handler: h}), http.MethodPost, "/api/v1/messages", voiceBody, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	resp, err := message.ParseResponse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Name != message.NameAnswerToUser {
		t.Errorf("Name = %q, want %q", resp.Name, message.NameAnswerToUser)
	}
	if got := resp.PayloadString("pronounceText"); got != "Здравствуйте" {
		t.Errorf("pronounceText = %q", got)
	}
	if h.got == nil || h.got.UserID() != "B2C:u1" {
		t.Fatalf("handler got %v, want message for B2C:u1", h.got)
	}
	if !h.got.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want receipt time", h.got.Timestamp)
	}
}

func TestMessages_CallbackHeader(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
	}{
		{"header", "/api/v1/messages", map[string]string{HeaderCallbackID: "cb-1"}},
		{"query", "/api/v1/messages?app_callback_id=cb-1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{resp: message.DoNothing()}
			w := do(testRouter(t, StartOpts{Handler: h}), http.MethodPost, tt.target, voiceBody, tt.header)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := h.got.CallbackID(); got != "cb-1" {
				t.Errorf("CallbackID() = %q, want cb-1", got)
			}
		})
	}
}

func TestMessages_BadRequest(t *testing.T) {
	for _, body := range []string{`{not json`, `{"messageName": "MESSAGE_TO_SKILL"}`} {
		h := &fakeHandler{}
		w := do(testRouter(t, StartOpts{Handler: h}), http.MethodPost, "/api/v1/messages", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
		if h.got != nil {
			t.Errorf("body %q: handler should not be called", body)
		}
	}
}

func TestMessages_NoContent(t *testing.T) {
	for name, h := range map[string]*fakeHandler{
		"skipped":  {err: fmt.Errorf("%w: stale", dispatch.ErrSkipped)},
		"base kit": {},
	} {
		w := do(testRouter(t, StartOpts{Handler: h}), http.MethodPost, "/api/v1/messages", voiceBody, nil)
		if w.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want 204", name, w.Code)
		}
	}
}

func TestMessages_HandlerError(t *testing.T) {
	h := &fakeHandler{err: errors.New("store unavailable")}
	w := do(testRouter(t, StartOpts{Handler: h}), http.MethodPost, "/api/v1/messages", voiceBody, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "store unavailable") {
		t.Errorf("body = %q, want error text", w.Body.String())
	}
}

// --- async endpoints ---

func TestAsyncRoutes_RequireBus(t *testing.T) {
	router := testRouter(t, StartOpts{Handler: &fakeHandler{}})
	if w := do(router, http.MethodPost, "/api/v1/messages/async", voiceBody, nil); w.Code != http.StatusNotFound {
		t.Errorf("async status = %d, want 404 without bus", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/events", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("events status = %d, want 404 without bus", w.Code)
	}
}

func TestEnqueue(t *testing.T) {
	b := bus.New(bus.Opts{Size: 1})
	defer b.Close()
	router := testRouter(t, StartOpts{Handler: &fakeHandler{}, Bus: b})

	w := do(router, http.MethodPost, "/api/v1/messages/async", voiceBody, map[string]string{HeaderCallbackID: "cb-9"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("message was not queued")
	}
	if msg.CallbackID() != "cb-9" || msg.UserID() != "B2C:u1" {
		t.Errorf("queued %s callback %q", msg.UserID(), msg.CallbackID())
	}

	b.Close()
	if w := do(router, http.MethodPost, "/api/v1/messages/async", voiceBody, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed bus status = %d, want 503", w.Code)
	}
}

func TestEvents_StreamsDeliveries(t *testing.T) {
	b := bus.New(bus.Opts{Size: 1})
	defer b.Close()
	router := testRouter(t, StartOpts{Handler: &fakeHandler{}, Bus: b})

	b.PublishOutbound(bus.Delivery{
		UserID:   "B2C:u1",
		Message:  &message.Message{ID: 7},
		Response: message.Answer(map[string]any{"pronounceText": "Готово"}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: connected", "event: response", `"user_id":"B2C:u1"`, `"message_id":7`, "pronounceText"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestRelay_ReturnsDeliveryOnDisconnect(t *testing.T) {
	b := bus.New(bus.Opts{Size: 1})
	defer b.Close()
	s := &server{bus: b, log: zap.NewNop()}
	b.PublishOutbound(bus.Delivery{UserID: "B2C:u1", Response: message.Answer(nil)})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan responseEvent)
	done := make(chan struct{})
	go func() {
		s.relay(ctx, out)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for b.PendingOutbound() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never took the delivery")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}

	if _, open := <-out; open {
		t.Error("out should be closed")
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	d, ok := b.SubscribeOutbound(waitCtx)
	if !ok {
		t.Fatal("delivery was lost")
	}
	if d.UserID != "B2C:u1" {
		t.Errorf("UserID = %q, want B2C:u1", d.UserID)
	}
}

// --- exchanges ---

func TestExchanges(t *testing.T) {
	ex := &fakeExchanges{}
	router := testRouter(t, StartOpts{Handler: &fakeHandler{}, Exchanges: ex})

	w := do(router, http.MethodGet, "/api/v1/users/B2C:u1/exchanges", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ex.userID != "B2C:u1" || ex.limit != defaultExchangeLimit {
		t.Errorf("query = (%q, %d), want (B2C:u1, %d)", ex.userID, ex.limit, defaultExchangeLimit)
	}
	if !strings.Contains(w.Body.String(), "ANSWER_TO_USER") {
		t.Errorf("body = %q, want exchange rows", w.Body.String())
	}

	do(router, http.MethodGet, "/api/v1/users/B2C:u1/exchanges?limit=9999", "", nil)
	if ex.limit != maxExchangeLimit {
		t.Errorf("limit = %d, want capped at %d", ex.limit, maxExchangeLimit)
	}

	if w := do(router, http.MethodGet, "/api/v1/users/B2C:u1/exchanges?limit=abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}
