package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/event"
	"github.com/waitgate/waitgate/internal/idgen"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/session"
)

const testSecret = "test-admin-secret"

type fixture struct {
	router   *gin.Engine
	sessions session.Store
	queue    *queue.Queue
	bans     *banlist.Service
	evidence risk.Store
	inv      *event.Inventory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewMemoryStore()
	q := queue.New(queue.NewMemoryStore(), 25, 3)
	bans := banlist.NewService(banlist.NewMemoryStore())
	evidence := risk.NewMemoryStore()
	inv := event.NewInventory(event.Config{Name: "drop", TotalStock: 100, Remaining: 100, SaleOpen: true})

	handler := NewHandler(sessions, q, bans, evidence, inv)
	r := gin.New()
	grp := r.Group("/api/v1/admin", RequireSecret(testSecret))
	handler.RegisterRoutes(grp)

	return &fixture{router: r, sessions: sessions, queue: q, bans: bans, evidence: evidence, inv: inv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Admin-Secret", testSecret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) queuedSession(t *testing.T) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess := session.New(idgen.WithPrefix("sess_"), "203.0.113.10", "ua")
	sess.Status = session.StatusInQueue
	if err := f.sessions.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, sess.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return sess
}

func TestRequireSecret(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/admin/stats", ""); w.Code != http.StatusOK {
		t.Errorf("correct secret: status = %d, want 200", w.Code)
	}
}

func TestRequireSecret_Unconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireSecret(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestBanSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.queuedSession(t)

	body := `{"reason":"scalper ring","banIp":true,"durationMinutes":60}`
	w := f.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sess.ID+"/ban", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	got, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusBanned || got.BanReason != "scalper ring" {
		t.Errorf("session = %+v", got)
	}
	if _, err := f.queue.Position(ctx, sess.ID); err != queue.ErrNotInQueue {
		t.Errorf("Position err = %v, want ErrNotInQueue", err)
	}
	banned, err := f.bans.IsBanned(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Error("IP not banned despite banIp=true")
	}
}

func TestBanSession_AlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	sess := session.New(idgen.WithPrefix("sess_"), "203.0.113.10", "ua")
	sess.Status = session.StatusCompleted
	if err := f.sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sess.ID+"/ban", `{"reason":"x"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestRemoveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.queuedSession(t)

	w := f.do(t, http.MethodPost, "/api/v1/admin/sessions/"+sess.ID+"/remove", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.IsBanned {
		t.Error("remove must not mark the session banned")
	}
	if _, err := f.queue.Position(ctx, sess.ID); err != queue.ErrNotInQueue {
		t.Errorf("Position err = %v, want ErrNotInQueue", err)
	}
}

func TestBanAndUnbanIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/v1/admin/bans", `{"ip":"198.51.100.4","reason":"abuse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("ban status = %d", w.Code)
	}
	banned, _ := f.bans.IsBanned(ctx, "198.51.100.4")
	if !banned {
		t.Fatal("IP not banned")
	}

	w = f.do(t, http.MethodDelete, "/api/v1/admin/bans/198.51.100.4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unban status = %d", w.Code)
	}
	banned, _ = f.bans.IsBanned(ctx, "198.51.100.4")
	if banned {
		t.Error("IP still banned after unban")
	}

	w = f.do(t, http.MethodDelete, "/api/v1/admin/bans/198.51.100.4", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("double unban status = %d, want 404", w.Code)
	}
}

func TestGetSessionWithEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.queuedSession(t)

	entry := &risk.EvidenceEntry{
		ID:        "ev_1",
		SessionID: sess.ID,
		Layer:     risk.LayerPassive,
		Category:  "join",
		Score:     40,
		CreatedAt: time.Now(),
	}
	if err := f.evidence.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/v1/admin/sessions/"+sess.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Evidence []risk.EvidenceEntry `json:"evidence"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Evidence) != 1 || resp.Evidence[0].Category != "join" {
		t.Errorf("evidence = %+v", resp.Evidence)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.queuedSession(t)
	f.queuedSession(t)

	w := f.do(t, http.MethodGet, "/api/v1/admin/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		QueueDepth       int64                      `json:"queueDepth"`
		SessionsByStatus map[session.Status]int64   `json:"sessionsByStatus"`
		Event            map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.QueueDepth != 2 {
		t.Errorf("queueDepth = %d, want 2", resp.QueueDepth)
	}
	if resp.SessionsByStatus[session.StatusInQueue] != 2 {
		t.Errorf("in_queue count = %d, want 2", resp.SessionsByStatus[session.StatusInQueue])
	}
}

func TestUpdateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPut, "/api/v1/admin/event", `{"saleOpen":false,"remaining":50}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	cfg := f.inv.Get(ctx)
	if cfg.SaleOpen {
		t.Error("saleOpen not updated")
	}
	if cfg.Remaining != 50 {
		t.Errorf("remaining = %d, want 50", cfg.Remaining)
	}
	if cfg.Name != "drop" {
		t.Errorf("name changed unexpectedly to %q", cfg.Name)
	}

	w = f.do(t, http.MethodPut, "/api/v1/admin/event", `{"remaining":500}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized remaining: status = %d, want 400", w.Code)
	}
}
