// Package qqmusic implements the music-artist platform adapter against the
// public c.y.qq.com web API. The API needs no user credential; FetchLatest
// ignores the access token and Refresh always fails permanent.
package qqmusic

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

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(httpClient *http.Client, host string) *Client {
	if host == "" {
		host = "https://c.y.qq.com"
	}
	host = strings.TrimRight(host, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{host: host, httpClient: httpClient}
}

func (c *Client) Name() string { return "qqmusic" }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type songEntry struct {
	MusicData struct {
		SongMID   string `json:"songmid"`
		SongName  string `json:"songname"`
		AlbumMID  string `json:"albummid"`
		AlbumName string `json:"albumname"`
		Interval  int    `json:"interval"`
		PubTime   int64  `json:"pubtime"`
	} `json:"musicData"`
}

type trackListData struct {
	List  []songEntry `json:"list"`
	Total int         `json:"total"`
}

func (c *Client) FetchLatest(ctx context.Context, _ string, targetExternalID string, count int) ([]platform.Item, error) {
	if targetExternalID == "" {
		return nil, fmt.Errorf("qqmusic: singer mid is required")
	}
	if count <= 0 {
		count = 10
	}
	query := url.Values{}
	query.Set("g_tk", "5381")
	query.Set("loginUin", "0")
	query.Set("hostUin", "0")
	query.Set("format", "json")
	query.Set("inCharset", "utf8")
	query.Set("outCharset", "utf-8")
	query.Set("notice", "0")
	query.Set("platform", "yqq.json")
	query.Set("needNewCode", "0")
	query.Set("singermid", targetExternalID)
	query.Set("order", "time")
	query.Set("begin", "0")
	query.Set("num", fmt.Sprintf("%d", count))
	query.Set("songstatus", "1")

	raw, err := c.doRequest(ctx, "/v8/fcg-bin/fcg_v8_singer_track_cp.fcg", query)
	if err != nil {
		return nil, err
	}
	var data trackListData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("qqmusic: decode track list: %w", err)
	}

	items := make([]platform.Item, 0, len(data.List))
	for _, e := range data.List {
		m := e.MusicData
		item := platform.Item{
			ID:          m.SongMID,
			Title:       m.SongName,
			Description: m.AlbumName,
			ContentType: "song",
			Duration:    m.Interval,
			ItemURL:     "https://y.qq.com/n/ryqq/songDetail/" + m.SongMID,
		}
		if m.AlbumMID != "" {
			item.CoverURL = "https://y.gtimg.cn/music/photo_new/T002R300x300M000" + m.AlbumMID + ".jpg"
		}
		if m.PubTime > 0 {
			item.PublishTime = time.Unix(m.PubTime, 0).UTC()
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) Refresh(ctx context.Context, _ string) (platform.Token, error) {
	return platform.Token{}, &platform.Error{
		Kind:     platform.KindPermanent,
		Platform: "qqmusic",
		Msg:      "platform has no refreshable credentials",
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("qqmusic: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://y.qq.com/")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &platform.Error{
			Kind:     platform.KindTransient,
			Platform: "qqmusic",
			Msg:      err.Error(),
		}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &platform.Error{
			Kind:     platform.KindTransient,
			Platform: "qqmusic",
			Status:   resp.StatusCode,
			Msg:      "read response: " + err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		kind := platform.KindPermanent
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = platform.KindRateLimited
		case resp.StatusCode >= 500:
			kind = platform.KindTransient
		}
		return nil, &platform.Error{
			Kind:     kind,
			Platform: "qqmusic",
			Status:   resp.StatusCode,
			Msg:      http.StatusText(resp.StatusCode),
		}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("qqmusic: decode response: %w", err)
	}
	if env.Code != 0 {
		return nil, &platform.Error{
			Kind:     platform.KindPermanent,
			Platform: "qqmusic",
			Status:   resp.StatusCode,
			Code:     env.Code,
			Msg:      env.Message,
		}
	}
	return env.Data, nil
}
