package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fanwatch/internal/cache"
)

const wechatTokenKey = "push:wechat:token"

// WeChat error codes.
const (
	codeUserRefused  = 43101
	codeTokenInvalid = 40001
	codeTokenExpired = 42001
	codeRateLimited  = 45047
	codeSystemBusy   = -1
)

// WeChatProvider sends mini-program subscribe messages. The app access
// token is cached with an early expiry so a token never dies mid-send.
type WeChatProvider struct {
	Host       string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
	Cache      cache.Store
}

func (p *WeChatProvider) host() string {
	if p.Host != "" {
		return strings.TrimRight(p.Host, "/")
	}
	return "https://api.weixin.qq.com"
}

func (p *WeChatProvider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type wechatTokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

type wechatSendResp struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (p *WeChatProvider) accessToken(ctx context.Context) (string, error) {
	if p.Cache != nil {
		if raw, found, err := p.Cache.Get(ctx, wechatTokenKey); err == nil && found {
			return string(raw), nil
		}
	}

	query := url.Values{}
	query.Set("grant_type", "client_credential")
	query.Set("appid", p.AppID)
	query.Set("secret", p.AppSecret)
	resp, err := p.client().Get(p.host() + "/cgi-bin/token?" + query.Encode())
	if err != nil {
		return "", &ProviderError{Msg: "token request: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Msg: "token response: " + err.Error()}
	}
	var tr wechatTokenResp
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", &ProviderError{Msg: "token decode: " + err.Error()}
	}
	if tr.AccessToken == "" {
		return "", &ProviderError{Code: tr.ErrCode, Msg: "token fetch: " + tr.ErrMsg}
	}

	if p.Cache != nil {
		ttl := time.Duration(tr.ExpiresIn-300) * time.Second
		if ttl > 0 {
			_ = p.Cache.Set(ctx, wechatTokenKey, []byte(tr.AccessToken), ttl)
		}
	}
	return tr.AccessToken, nil
}

func (p *WeChatProvider) Send(ctx context.Context, openID, templateID string, fields map[string]string) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	data := make(map[string]map[string]string, len(fields))
	for k, v := range fields {
		data[k] = map[string]string{"value": v}
	}
	payload := map[string]any{
		"touser":      openID,
		"template_id": templateID,
		"data":        data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wechat: encode message: %w", err)
	}

	sendURL := p.host() + "/cgi-bin/message/subscribe/send?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wechat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return &ProviderError{Msg: "send: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Msg: "send response: " + err.Error()}
	}
	var sr wechatSendResp
	if err := json.Unmarshal(raw, &sr); err != nil {
		return &ProviderError{Msg: "send decode: " + err.Error()}
	}

	switch sr.ErrCode {
	case 0:
		return nil
	case codeUserRefused:
		return &ProviderError{Permanent: true, Code: sr.ErrCode, Msg: sr.ErrMsg}
	case codeTokenInvalid, codeTokenExpired:
		// Stale cached token; drop it so the next attempt refetches.
		if p.Cache != nil {
			_ = p.Cache.Delete(ctx, wechatTokenKey)
		}
		return &ProviderError{Code: sr.ErrCode, Msg: sr.ErrMsg}
	case codeRateLimited, codeSystemBusy:
		return &ProviderError{Code: sr.ErrCode, Msg: sr.ErrMsg}
	default:
		return &ProviderError{Permanent: true, Code: sr.ErrCode, Msg: sr.ErrMsg}
	}
}
