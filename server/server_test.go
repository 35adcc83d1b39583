package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/huddle/auth"
	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/config"
	"github.com/onnwee/huddle/testutil"
	"github.com/onnwee/huddle/uploads"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fixture struct {
	ids      *testutil.MemoryIdentities
	msgs     *testutil.MemoryMessages
	room     *chat.Room
	sessions *auth.Sessions
	store    *uploads.Store
	deps     Deps
	srv      *httptest.Server
}

// newFixture wires the HTTP layer over in-memory stores. Rate limiting is
// off unless the test sets RATE_LIMIT_* before calling it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, set := os.LookupEnv("RATE_LIMIT_ENABLED"); !set {
		t.Setenv("RATE_LIMIT_ENABLED", "0")
	}
	ids := testutil.NewMemoryIdentities()
	msgs := testutil.NewMemoryMessages(ids)
	sessions, err := auth.NewSessions("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	store, err := uploads.NewStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	room := chat.NewRoom(ids, msgs, sessions, chat.NewPresence(), chat.Options{})
	f := &fixture{ids: ids, msgs: msgs, room: room, sessions: sessions, store: store}
	f.deps = Deps{
		DB:       fakePinger{},
		Room:     room,
		Users:    ids,
		Messages: msgs,
		Sessions: sessions,
		Uploads:  store,
		Config:   &config.Config{Env: "dev"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.srv = httptest.NewServer(NewMux(ctx, f.deps))
	t.Cleanup(func() {
		room.Shutdown(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) token(t *testing.T, user chat.Identity, admin bool) string {
	t.Helper()
	tok, _, err := f.sessions.Issue(user.ID, user.Username, admin)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) chat.Frame {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var fr chat.Frame
	if err := ws.ReadJSON(&fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func multipartBody(t *testing.T, field, filename string, content []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}

	h := NewHandlers(Deps{DB: fakePinger{err: errors.New("down")}})
	rr := httptest.NewRecorder()
	h.HandleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with failing db = %d, want 503", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d %s", resp.StatusCode, body)
	}
	var ready map[string]any
	if err := json.Unmarshal(body, &ready); err != nil || ready["status"] != "ready" || ready["tracing"] != false {
		t.Errorf("readyz body = %s", body)
	}

	h := NewHandlers(Deps{DB: fakePinger{err: errors.New("down")}})
	rr := httptest.NewRecorder()
	h.HandleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var out map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if rr.Code != http.StatusServiceUnavailable || out["failed_check"] != "database" {
		t.Errorf("readyz = %d %v", rr.Code, out)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "correct horse")

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "correct horse"})
	resp, raw := f.do(t, http.MethodPost, "/login", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d %s", resp.StatusCode, raw)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.User == nil || out.User.ID != alice.ID || out.Token == "" {
		t.Fatalf("login response = %+v", out)
	}
	if id, _, err := f.sessions.Verify(out.Token); err != nil || id != alice.ID {
		t.Errorf("issued token verify = %q, %v", id, err)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != out.Token || !cookie.HttpOnly {
		t.Errorf("session cookie = %+v", cookie)
	}

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong password", http.MethodPost, `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", http.MethodPost, `{"username":"zed","password":"correct horse"}`, http.StatusUnauthorized},
		{"missing fields", http.MethodPost, `{"username":"alice"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := f.do(t, tt.method, "/login", []byte(tt.body), nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, raw)
			}
		})
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/logout", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout = %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && (c.Value != "" || c.MaxAge >= 0) {
			t.Errorf("cookie not cleared: %+v", c)
		}
	}
}

func TestWebSocketSessionAndPresence(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")
	ws := f.dial(t, f.token(t, alice, false))
	if fr := readFrame(t, ws); fr.Event != chat.EventPreviousMessages {
		t.Fatalf("first frame = %s", fr.Event)
	}

	resp, raw := f.do(t, http.MethodGet, "/presence", nil, nil)
	var p presenceResponse
	if err := json.Unmarshal(raw, &p); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("presence = %d %s", resp.StatusCode, raw)
	}
	if p.RoomCount != 1 || len(p.Members) != 1 || p.Members[0] != alice.ID {
		t.Errorf("presence = %+v", p)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "garbage")
	fr := readFrame(t, ws)
	if fr.Event != chat.EventAuthError {
		t.Fatalf("frame = %s, want auth-error", fr.Event)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("socket still open after auth-error")
	}
	if n := f.room.Presence().Count(); n != 0 {
		t.Errorf("room count = %d, want 0", n)
	}
}

func TestUploadBroadcastsFileMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")
	bob := f.ids.Add("bob", "pw")

	ws := f.dial(t, f.token(t, bob, false))
	readFrame(t, ws) // previous-messages

	body, ctype := multipartBody(t, "file", "notes.txt", []byte("hello"))
	resp, raw := f.do(t, http.MethodPost, "/upload", body, http.Header{
		"Content-Type":  {ctype},
		"Authorization": {"Bearer " + f.token(t, alice, false)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d %s", resp.StatusCode, raw)
	}
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if out.Event == nil || out.Event.Kind != chat.KindFile || out.Event.File.OriginalName != "notes.txt" {
		t.Fatalf("upload response = %s", raw)
	}

	fr := readFrame(t, ws)
	if fr.Event != chat.EventFileMessage {
		t.Fatalf("frame = %s, want file-message", fr.Event)
	}
	var ev chat.Event
	if err := json.Unmarshal(fr.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Sender == nil || ev.Sender.Username != "alice" || ev.File == nil || ev.File.Path != out.Event.File.Path {
		t.Errorf("broadcast event = %+v", ev)
	}
	if f.msgs.Len() != 1 {
		t.Errorf("stored messages = %d, want 1", f.msgs.Len())
	}

	resp, raw = f.do(t, http.MethodGet, ev.File.Path, nil, nil)
	if resp.StatusCode != http.StatusOK || string(raw) != "hello" {
		t.Errorf("GET %s = %d %q", ev.File.Path, resp.StatusCode, raw)
	}
}

func TestUploadErrors(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")
	body, ctype := multipartBody(t, "file", "notes.txt", []byte("hello"))

	resp, _ := f.do(t, http.MethodPost, "/upload", body, http.Header{"Content-Type": {ctype}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("upload without session = %d, want 401", resp.StatusCode)
	}

	wrongField, wrongType := multipartBody(t, "attachment", "notes.txt", []byte("hello"))
	resp, _ = f.do(t, http.MethodPost, "/upload", wrongField, http.Header{
		"Content-Type":  {wrongType},
		"Authorization": {"Bearer " + f.token(t, alice, false)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("upload without file field = %d, want 400", resp.StatusCode)
	}

	// A token for a deleted account cannot post.
	ghost := f.ids.Add("ghost", "pw")
	tok := f.token(t, ghost, false)
	f.ids.Remove(ghost.ID)
	resp, _ = f.do(t, http.MethodPost, "/upload", body, http.Header{
		"Content-Type":  {ctype},
		"Authorization": {"Bearer " + tok},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("upload by removed user = %d, want 401", resp.StatusCode)
	}
	if f.msgs.Len() != 0 {
		t.Errorf("stored messages = %d, want 0", f.msgs.Len())
	}
}

func TestAvatarUpload(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 120, 80))); err != nil {
		t.Fatal(err)
	}
	body, ctype := multipartBody(t, "avatar", "me.png", img.Bytes())
	resp, raw := f.do(t, http.MethodPost, "/upload/avatar", body, http.Header{
		"Content-Type": {ctype},
		"Cookie":       {SessionCookie + "=" + f.token(t, alice, false)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("avatar upload = %d %s", resp.StatusCode, raw)
	}
	got, _ := f.ids.FindByID(context.Background(), alice.ID)
	if !strings.HasPrefix(got.AvatarThumbnail, "/uploads/avatars/thumb_") {
		t.Errorf("thumbnail = %q", got.AvatarThumbnail)
	}

	body, ctype = multipartBody(t, "avatar", "me.png", []byte("not an image"))
	resp, _ = f.do(t, http.MethodPost, "/upload/avatar", body, http.Header{
		"Content-Type": {ctype},
		"Cookie":       {SessionCookie + "=" + f.token(t, alice, false)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-image avatar = %d, want 400", resp.StatusCode)
	}
}

func TestExportMessages(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "ops-token")
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")
	admin := f.ids.Add("root", "pw")
	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		if _, err := f.room.PostAs(ctx, alice.ID, text); err != nil {
			t.Fatal(err)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/export-messages", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous export = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/export-messages", nil, http.Header{"Authorization": {"Bearer " + f.token(t, alice, false)}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin export = %d, want 403", resp.StatusCode)
	}

	resp, raw := f.do(t, http.MethodGet, "/export-messages", nil, http.Header{"Authorization": {"Bearer " + f.token(t, admin, true)}})
	var events []chat.Event
	if err := json.Unmarshal(raw, &events); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("admin export = %d %s", resp.StatusCode, raw)
	}
	if len(events) != 2 || events[0].Text != "one" || events[1].Text != "two" {
		t.Errorf("export = %+v", events)
	}

	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format(time.DateOnly)
	resp, raw = f.do(t, http.MethodGet, "/export-messages?startDate="+tomorrow, nil, http.Header{"X-Admin-Token": {"ops-token"}})
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("future range export = %d %s", resp.StatusCode, raw)
	}

	resp, _ = f.do(t, http.MethodGet, "/export-messages?endDate=yesterday", nil, http.Header{"X-Admin-Token": {"ops-token"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", resp.StatusCode)
	}
}

func TestAdminUsersShowsOnlineState(t *testing.T) {
	f := newFixture(t)
	alice := f.ids.Add("alice", "pw")
	f.ids.Add("bob", "pw")
	ws := f.dial(t, f.token(t, alice, false))
	readFrame(t, ws)

	resp, raw := f.do(t, http.MethodGet, "/admin/users", nil, http.Header{"Authorization": {"Bearer " + f.token(t, alice, true)}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin users = %d %s", resp.StatusCode, raw)
	}
	var users []adminUser
	if err := json.Unmarshal(raw, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "alice" || !users[0].Online || users[1].Online {
		t.Errorf("users = %+v", users)
	}
}

func TestLoginRateLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	f := newFixture(t)

	body := []byte(`{"username":"nobody","password":"nope"}`)
	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, http.MethodPost, "/login", body, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp, _ := f.do(t, http.MethodPost, "/login", body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third attempt = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Other clients are unaffected.
	if resp, _ := f.do(t, http.MethodPost, "/login", body, http.Header{"X-Forwarded-For": {"203.0.113.9"}}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("other ip = %d, want 401", resp.StatusCode)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, Deps{DB: fakePinger{}, Room: chat.NewRoom(nil, nil, nil, chat.NewPresence(), chat.Options{})}, "127.0.0.1:0")
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
