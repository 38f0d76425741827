package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"fanwatch/internal/cache"
)

func wechatServer(t *testing.T, sendCode int, tokenCalls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/cgi-bin/token":
			if tokenCalls != nil {
				*tokenCalls++
			}
			w.Write([]byte(`{"access_token": "tok-1", "expires_in": 7200}`))
		case "/cgi-bin/message/subscribe/send":
			if got := r.URL.Query().Get("access_token"); got != "tok-1" {
				t.Errorf("access_token=%q", got)
			}
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Error(err)
			}
			if payload["touser"] != "open-1" {
				t.Errorf("touser=%v", payload["touser"])
			}
			w.Write([]byte(`{"errcode": ` + strconv.Itoa(sendCode) + `, "errmsg": "msg"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestWeChatSend_OKAndTokenCached(t *testing.T) {
	var tokenCalls int
	srv := wechatServer(t, 0, &tokenCalls)
	defer srv.Close()

	p := &WeChatProvider{
		Host:       srv.URL,
		AppID:      "app",
		AppSecret:  "secret",
		HTTPClient: srv.Client(),
		Cache:      cache.NewMemoryStore(),
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.Send(ctx, "open-1", "tpl-1", map[string]string{"thing1": "Artist"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if tokenCalls != 1 {
		t.Fatalf("token fetched %d times, want 1 (cached)", tokenCalls)
	}
}

func TestWeChatSend_UserRefusedIsPermanent(t *testing.T) {
	srv := wechatServer(t, 43101, nil)
	defer srv.Close()

	p := &WeChatProvider{Host: srv.URL, HTTPClient: srv.Client(), Cache: cache.NewMemoryStore()}
	err := p.Send(context.Background(), "open-1", "tpl-1", nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Permanent {
		t.Fatalf("err=%v want permanent ProviderError", err)
	}
	if pe.Code != 43101 {
		t.Fatalf("code=%d want 43101", pe.Code)
	}
}

func TestWeChatSend_StaleTokenDropsCache(t *testing.T) {
	srv := wechatServer(t, 40001, nil)
	defer srv.Close()

	store := cache.NewMemoryStore()
	p := &WeChatProvider{Host: srv.URL, HTTPClient: srv.Client(), Cache: store}
	ctx := context.Background()

	err := p.Send(ctx, "open-1", "tpl-1", nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Permanent {
		t.Fatalf("err=%v want transient ProviderError", err)
	}
	if _, found, _ := store.Get(ctx, "push:wechat:token"); found {
		t.Fatal("stale token left in cache")
	}
}

func TestWeChatSend_RateLimitIsTransient(t *testing.T) {
	srv := wechatServer(t, 45047, nil)
	defer srv.Close()

	p := &WeChatProvider{Host: srv.URL, HTTPClient: srv.Client(), Cache: cache.NewMemoryStore()}
	err := p.Send(context.Background(), "open-1", "tpl-1", nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Permanent {
		t.Fatalf("err=%v want transient ProviderError", err)
	}
}

func TestWeChatSend_UnknownCodeIsPermanent(t *testing.T) {
	srv := wechatServer(t, 40003, nil)
	defer srv.Close()

	p := &WeChatProvider{Host: srv.URL, HTTPClient: srv.Client(), Cache: cache.NewMemoryStore()}
	err := p.Send(context.Background(), "open-1", "tpl-1", nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Permanent {
		t.Fatalf("err=%v want permanent ProviderError", err)
	}
}
