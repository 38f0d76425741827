// Package douyin implements the video-creator platform adapter against the
// open.douyin.com API.
package douyin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fanwatch/internal/platform"
)

// Platform error codes that need special classification.
const (
	codeAccessTokenExpired  = 2190008
	codeRefreshTokenExpired = 10010
	codeRateLimited         = 2100005
)

type Client struct {
	host         string
	clientKey    string
	clientSecret string
	httpClient   *http.Client
}

func NewClient(httpClient *http.Client, host, clientKey, clientSecret string) *Client {
	if host == "" {
		host = "https://open.douyin.com"
	}
	host = strings.TrimRight(host, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		host:         host,
		clientKey:    clientKey,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

func (c *Client) Name() string { return "douyin" }

type envelope struct {
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
}

type videoItem struct {
	ItemID     string `json:"item_id"`
	Title      string `json:"title"`
	Desc       string `json:"desc"`
	CreateTime int64  `json:"create_time"`
	ShareURL   string `json:"share_url"`
	Video      struct {
		Duration int `json:"duration"`
		Cover    struct {
			URLList []string `json:"url_list"`
		} `json:"cover"`
		PlayAddr struct {
			URLList []string `json:"url_list"`
		} `json:"play_addr"`
	} `json:"video"`
	Statistics struct {
		PlayCount    int64 `json:"play_count"`
		DiggCount    int64 `json:"digg_count"`
		CommentCount int64 `json:"comment_count"`
		ShareCount   int64 `json:"share_count"`
	} `json:"statistics"`
}

type videoListData struct {
	List    []videoItem `json:"list"`
	Cursor  int64       `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

type tokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OpenID       string `json:"open_id"`
}

func (c *Client) FetchLatest(ctx context.Context, accessToken, targetExternalID string, count int) ([]platform.Item, error) {
	if targetExternalID == "" {
		return nil, fmt.Errorf("douyin: open_id is required")
	}
	if count <= 0 {
		count = 10
	}
	query := url.Values{}
	query.Set("access_token", accessToken)
	query.Set("open_id", targetExternalID)
	query.Set("cursor", "0")
	query.Set("count", fmt.Sprintf("%d", count))

	raw, err := c.doRequest(ctx, http.MethodGet, "/video/list/", query, nil)
	if err != nil {
		return nil, err
	}
	var data videoListData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("douyin: decode video list: %w", err)
	}

	items := make([]platform.Item, 0, len(data.List))
	for _, v := range data.List {
		item := platform.Item{
			ID:           v.ItemID,
			Title:        v.Title,
			Description:  v.Desc,
			ContentType:  "video",
			Duration:     v.Video.Duration,
			ItemURL:      v.ShareURL,
			PublishTime:  time.Unix(v.CreateTime, 0).UTC(),
			PlayCount:    v.Statistics.PlayCount,
			LikeCount:    v.Statistics.DiggCount,
			CommentCount: v.Statistics.CommentCount,
			ShareCount:   v.Statistics.ShareCount,
		}
		if len(v.Video.Cover.URLList) > 0 {
			item.CoverURL = v.Video.Cover.URLList[0]
		}
		if item.ItemURL == "" && len(v.Video.PlayAddr.URLList) > 0 {
			item.ItemURL = v.Video.PlayAddr.URLList[0]
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (platform.Token, error) {
	if refreshToken == "" {
		return platform.Token{}, &platform.Error{
			Kind:     platform.KindAuthExpired,
			Platform: "douyin",
			Msg:      "no refresh token",
		}
	}
	form := url.Values{}
	form.Set("client_key", c.clientKey)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	raw, err := c.doRequest(ctx, http.MethodPost, "/oauth/refresh_token/", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return platform.Token{}, err
	}
	var data tokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return platform.Token{}, fmt.Errorf("douyin: decode token: %w", err)
	}
	return platform.Token{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(data.ExpiresIn) * time.Second),
		OpenID:       data.OpenID,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (json.RawMessage, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("douyin: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &platform.Error{
			Kind:     platform.KindTransient,
			Platform: "douyin",
			Msg:      err.Error(),
		}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &platform.Error{
			Kind:     platform.KindTransient,
			Platform: "douyin",
			Status:   resp.StatusCode,
			Msg:      "read response: " + err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &platform.Error{
			Kind:     classifyStatus(resp.StatusCode),
			Platform: "douyin",
			Status:   resp.StatusCode,
			Msg:      truncate(string(raw), 200),
		}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("douyin: decode response: %w", err)
	}
	if env.ErrorCode != 0 {
		return nil, &platform.Error{
			Kind:     classifyCode(env.ErrorCode),
			Platform: "douyin",
			Status:   resp.StatusCode,
			Code:     env.ErrorCode,
			Msg:      env.Description,
		}
	}
	return env.Data, nil
}

func classifyStatus(status int) platform.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return platform.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return platform.KindAuthExpired
	case status >= 500:
		return platform.KindTransient
	default:
		return platform.KindPermanent
	}
}

func classifyCode(code int) platform.Kind {
	switch code {
	case codeAccessTokenExpired, codeRefreshTokenExpired:
		return platform.KindAuthExpired
	case codeRateLimited:
		return platform.KindRateLimited
	default:
		return platform.KindPermanent
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
