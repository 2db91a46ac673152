package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/guildtransfer/internal/model"
)

type mockSessionFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// sessionsOf は指定されたセッションIDと所有ユーザーの組を返すSessionFinderを生成する。
func sessionsOf(expiresAt time.Time, owners map[string]string) *mockSessionFinder {
	return &mockSessionFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			userID, ok := owners[id]
			if !ok {
				return nil, nil
			}
			return &model.Session{ID: id, UserID: userID, ExpiresAt: expiresAt}, nil
		},
	}
}

func withSessionCookie(r *http.Request, id string) *http.Request {
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: id})
	return r
}

// decodeErrorBody はレスポンス本文をErrorResponseBodyとしてデコードする。
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v (raw: %q)", err, w.Body.String())
	}
	return body
}

func TestSessionMiddleware_ValidSession_InjectsUserID(t *testing.T) {
	finder := sessionsOf(testNow.Add(time.Hour), map[string]string{"sess-1": "111111111111111111"})
	mw := newSessionMiddleware(finder, func() time.Time { return testNow })

	var gotUserID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("UserIDFromContext() error = %v", err)
		}
		gotUserID = id
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/user", nil), "sess-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != "111111111111111111" {
		t.Errorf("user ID = %q, want %q", gotUserID, "111111111111111111")
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		cookie    string
		expiresAt time.Time
		findErr   error
	}{
		{name: "no cookie"},
		{name: "empty cookie", cookie: ""},
		{name: "unknown session", cookie: "unknown", expiresAt: testNow.Add(time.Hour)},
		{name: "expired session", cookie: "sess-1", expiresAt: testNow},
		{name: "lookup failure", cookie: "sess-1", expiresAt: testNow.Add(time.Hour), findErr: errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := sessionsOf(tt.expiresAt, map[string]string{"sess-1": "user-1"})
			if tt.findErr != nil {
				finder.findByIDFn = func(ctx context.Context, id string) (*model.Session, error) {
					return nil, tt.findErr
				}
			}
			mw := newSessionMiddleware(finder, func() time.Time { return testNow })

			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/guilds", nil)
			if tt.cookie != "" {
				req = withSessionCookie(req, tt.cookie)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called {
				t.Error("next handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); !errors.Is(err, ErrNoUserInContext) {
		t.Errorf("error = %v, want ErrNoUserInContext", err)
	}
	if _, err := UserIDFromContext(ContextWithUserID(context.Background(), "")); err == nil {
		t.Error("empty user ID should be treated as missing")
	}
}

func TestContextWithUserID_RoundTrip(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-9")
	got, err := UserIDFromContext(ctx)
	if err != nil || got != "user-9" {
		t.Errorf("UserIDFromContext() = (%q, %v), want (user-9, nil)", got, err)
	}
}
