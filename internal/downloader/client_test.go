package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeService はダウンローダーAPIのテスト用サーバー。
type fakeService struct {
	mu         sync.Mutex
	token      string
	added      []addLinksRequest
	addedTo    string
	deleted    bool
	loginCalls int
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+f.token
	}

	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("リクエストのデコードに失敗: %v", err)
		}
		f.mu.Lock()
		f.loginCalls++
		f.mu.Unlock()
		if req.Email != "user@example.com" || req.Password != "secret" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(sessionResponse{SessionToken: f.token})
	})
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]Device{{ID: "dev-1", Name: "NAS"}, {ID: "dev-2", Name: "Desktop"}})
	})
	mux.HandleFunc("POST /devices/{id}/links", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req addLinksRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.added = append(f.added, req)
		f.addedTo = r.PathValue("id")
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /devices/{id}/packages", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]Package{{UUID: "p1", Name: "pkg", BytesTotal: 10, Finished: true}})
	})
	mux.HandleFunc("DELETE /session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestHTTPClient_FullSession(t *testing.T) {
	svc := &fakeService{token: "tok-123"}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL+"/", newTestLogger(&buf))
	ctx := context.Background()

	if err := c.Connect(ctx, "user@example.com", "secret"); err != nil {
		t.Fatalf("Connect() がエラーを返した: %v", err)
	}

	devices, err := c.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() がエラーを返した: %v", err)
	}
	if len(devices) != 2 || devices[0].Name != "NAS" {
		t.Errorf("デバイス一覧が不正: %+v", devices)
	}

	if err := c.AddLinks(ctx, "dev-2", []string{"https://nfile.cc/abc"}, true); err != nil {
		t.Fatalf("AddLinks() がエラーを返した: %v", err)
	}
	if svc.addedTo != "dev-2" || len(svc.added) != 1 || !svc.added[0].Autostart {
		t.Errorf("リンク追加リクエストが不正: to=%s %+v", svc.addedTo, svc.added)
	}

	packages, err := c.QueryPackages(ctx, "dev-2")
	if err != nil {
		t.Fatalf("QueryPackages() がエラーを返した: %v", err)
	}
	if len(packages) != 1 || !packages[0].Finished {
		t.Errorf("パッケージ一覧が不正: %+v", packages)
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() がエラーを返した: %v", err)
	}
	if !svc.deleted {
		t.Error("DELETE /session が呼ばれるべき")
	}
	if _, err := c.ListDevices(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("切断後は ErrNotConnected を返すべき: got %v", err)
	}
}

func TestHTTPClient_ConnectRejected(t *testing.T) {
	svc := &fakeService{token: "tok"}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	err := c.Connect(context.Background(), "user@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIError が返るべき: got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
	if apiErr.Message != "invalid credentials" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestHTTPClient_EmptyToken(t *testing.T) {
	svc := &fakeService{token: ""}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	if err := c.Connect(context.Background(), "user@example.com", "secret"); err == nil {
		t.Error("空のセッショントークンはエラーになるべき")
	}
}

func TestHTTPClient_DisconnectWithoutSessionIsNoop(t *testing.T) {
	svc := &fakeService{token: "tok"}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("未接続のDisconnectはエラーにならないべき: %v", err)
	}
	if svc.deleted {
		t.Error("未接続の場合はDELETE /sessionを呼ばないべき")
	}
}

func TestHTTPClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(http.DefaultClient, endpoint, newTestLogger(&buf))

	if err := c.Connect(context.Background(), "user@example.com", "secret"); err == nil {
		t.Error("接続できないサーバーではエラーを返すべき")
	}
}
