package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/publish"
)

// fakeSidecar is a minimal browser-automation control API.
type fakeSidecar struct {
	actions []string
	fail    map[string]bool // action name -> retryable failure
}

func (f *fakeSidecar) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["username"] != "editor" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": false, "error": "login rejected", "screenshot": "shots/login-fail.png",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": "s-1", "ok": true, "screenshot": "shots/login.png",
		})
	})

	mux.HandleFunc("/sessions/s-1/actions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.actions = append(f.actions, req.Action)

		if f.fail[req.Action] {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": false, "error": "element not found", "retryable": true,
				"screenshot": "shots/" + req.Action + "-fail.png",
			})
			return
		}

		resp := map[string]interface{}{
			"ok":         true,
			"screenshot": "shots/" + req.Action + ".png",
		}
		switch req.Action {
		case "create_draft":
			resp["value"] = "d-7"
		case "submit":
			resp["url"] = "https://site.example.com/posts/7"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func testProvider(t *testing.T, srvURL string) *Provider {
	t.Helper()
	return New(Config{
		BaseURL:  srvURL,
		Platform: "wordpress",
		Username: "editor",
		Password: "secret",
		Cost:     1.5,
	}, zerolog.Nop())
}

func testPublication() *publish.Publication {
	return &publish.Publication{
		Unit: &core.ContentUnit{
			ExternalID: "doc-1",
			Title:      "A title",
			Body:       "A body",
			Metadata:   map[string]interface{}{"tags": []string{"news"}},
		},
		Values: make(map[string]string),
	}
}

func TestSessionFlowWithScreenshots(t *testing.T) {
	sidecar := &fakeSidecar{}
	srv := httptest.NewServer(sidecar.handler())
	defer srv.Close()

	p := testProvider(t, srv.URL)
	pub := testPublication()
	ctx := context.Background()

	out, err := p.Authenticate(ctx, pub)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if out.Artifact != "shots/login.png" {
		t.Errorf("login screenshot not kept: %q", out.Artifact)
	}
	if pub.Values[sessionKey] != "s-1" {
		t.Errorf("session not stored: %q", pub.Values[sessionKey])
	}

	if _, err := p.CreateDraft(ctx, pub); err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if pub.DraftID != "d-7" {
		t.Errorf("draft id = %q", pub.DraftID)
	}

	sub, err := p.Submit(ctx, pub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.URL != "https://site.example.com/posts/7" {
		t.Errorf("submit url = %q", sub.URL)
	}

	ver, err := p.VerifyLive(ctx, pub)
	if err != nil {
		t.Fatalf("VerifyLive failed: %v", err)
	}
	if ver.URL != "https://site.example.com/posts/7" {
		t.Errorf("verify url = %q", ver.URL)
	}
	if ver.Artifact != "shots/verify_live.png" {
		t.Errorf("verify screenshot = %q", ver.Artifact)
	}
}

func TestRetryableDriverFailureIsTransient(t *testing.T) {
	sidecar := &fakeSidecar{fail: map[string]bool{"fill_content": true}}
	srv := httptest.NewServer(sidecar.handler())
	defer srv.Close()

	p := testProvider(t, srv.URL)
	pub := testPublication()
	ctx := context.Background()

	if _, err := p.Authenticate(ctx, pub); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	_, err := p.FillContent(ctx, pub)
	if err == nil {
		t.Fatal("expected driver failure")
	}
	if !core.IsTransient(err) {
		t.Errorf("retryable driver failure must be transient: %v", err)
	}
}

func TestLoginRejectionIsPermanent(t *testing.T) {
	sidecar := &fakeSidecar{}
	srv := httptest.NewServer(sidecar.handler())
	defer srv.Close()

	p := New(Config{
		BaseURL:  srv.URL,
		Platform: "wordpress",
		Username: "intruder",
		Password: "wrong",
	}, zerolog.Nop())

	_, err := p.Authenticate(context.Background(), testPublication())
	if err == nil {
		t.Fatal("expected login rejection")
	}
	if !core.IsPermanent(err) {
		t.Errorf("login rejection must be permanent: %v", err)
	}
}

func TestActionWithoutSessionFails(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	pub := testPublication()

	_, err := p.CreateDraft(context.Background(), pub)
	if err == nil {
		t.Fatal("expected missing-session error")
	}
	if !core.IsPermanent(err) {
		t.Errorf("missing session must be permanent: %v", err)
	}
}
