// Package tiktok publishes videos through the TikTok Content Posting API.
package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/httpapi"
)

const (
	DefaultBaseURL = "https://open.tiktokapis.com/v2"

	ParamPrivacyLevel = "privacy_level"

	envAccessToken  = "XPOSTD_TIKTOK_ACCESS_TOKEN"
	envPrivacyLevel = "XPOSTD_TIKTOK_PRIVACY_LEVEL"

	singleChunkMax = 64 << 20
	chunkSize      = 10 << 20
)

// Client publishes to TikTok.
type Client struct {
	api   *httpapi.Client
	media xpost.MediaOpener
}

// New returns a TikTok adapter rooted at baseURL (DefaultBaseURL when empty).
// media is used to stream local files.
func New(baseURL string, media xpost.MediaOpener) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{api: httpapi.New(baseURL), media: media}
}

func (c *Client) Destination() xpost.Destination { return xpost.TikTok }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

func (e apiError) err(op string) error {
	if e.Code == "" || e.Code == "ok" {
		return nil
	}
	err := fmt.Errorf("tiktok %s: %s: %s", op, e.Code, e.Message)
	switch e.Code {
	case "access_token_invalid", "scope_not_authorized", "scope_permission_missed", "unaudited_client_can_only_post_to_private_accounts":
		return xpost.Auth(err)
	case "rate_limit_exceeded", "spam_risk_too_many_pending_share", "internal_error":
		return xpost.Transient(err)
	default:
		return xpost.Permanent(err)
	}
}

type postInfo struct {
	Title          string `json:"title,omitempty"`
	PrivacyLevel   string `json:"privacy_level"`
	DisableDuet    bool   `json:"disable_duet"`
	DisableComment bool   `json:"disable_comment"`
	DisableStitch  bool   `json:"disable_stitch"`
	CoverTimestamp int    `json:"video_cover_timestamp_ms"`
	PostMode       string `json:"post_mode,omitempty"`
	ScheduleTime   int64  `json:"schedule_time,omitempty"`
}

type sourceInfo struct {
	Source          string `json:"source"`
	VideoURL        string `json:"video_url,omitempty"`
	VideoSize       int64  `json:"video_size,omitempty"`
	ChunkSize       int64  `json:"chunk_size,omitempty"`
	TotalChunkCount int64  `json:"total_chunk_count,omitempty"`
}

type initResponse struct {
	Data struct {
		PublishID string `json:"publish_id"`
		UploadURL string `json:"upload_url"`
	} `json:"data"`
	Error apiError `json:"error"`
}

// Publish initializes a direct post, pulling the video from its URL when it
// has one and uploading the bytes otherwise.
func (c *Client) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	if len(req.Media) == 0 || req.Media[0].Kind != xpost.MediaVideo {
		return xpost.PostResult{}, xpost.Permanent(xpost.ValidationError{Provider: string(xpost.TikTok), Reason: "a video is required"})
	}
	m := req.Media[0]

	info := postInfo{
		Title:          req.Text,
		PrivacyLevel:   "PUBLIC_TO_EVERYONE",
		CoverTimestamp: 1000,
	}
	if lvl := cred.Param(ParamPrivacyLevel); lvl != "" {
		info.PrivacyLevel = strings.ToUpper(lvl)
	}
	if req.ScheduleAt != nil {
		info.PostMode = "SCHEDULED"
		info.ScheduleTime = req.ScheduleAt.Unix()
	}

	src := sourceInfo{Source: "PULL_FROM_URL", VideoURL: m.URL}
	if m.URL == "" {
		if m.Size <= 0 {
			return xpost.PostResult{}, xpost.Permanent(errors.New("tiktok: local video has unknown size"))
		}
		chunk, count := chunkPlan(m.Size)
		src = sourceInfo{Source: "FILE_UPLOAD", VideoSize: m.Size, ChunkSize: chunk, TotalChunkCount: count}
	}

	initReq := httpapi.Request{Method: http.MethodPost, Path: "post/publish/video/init/", Bearer: cred.Token}
	if err := initReq.JSON(map[string]any{"post_info": info, "source_info": src}); err != nil {
		return xpost.PostResult{}, err
	}
	var out initResponse
	if _, err := c.api.Do(ctx, initReq, &out); err != nil {
		return xpost.PostResult{}, fmt.Errorf("tiktok init: %w", err)
	}
	if err := out.Error.err("init"); err != nil {
		return xpost.PostResult{}, err
	}
	if out.Data.PublishID == "" {
		return xpost.PostResult{}, xpost.Permanent(errors.New("tiktok init: response carried no publish_id"))
	}

	if src.Source == "FILE_UPLOAD" {
		if out.Data.UploadURL == "" {
			return xpost.PostResult{}, xpost.Permanent(errors.New("tiktok init: response carried no upload_url"))
		}
		if err := c.upload(ctx, out.Data.UploadURL, m, src); err != nil {
			return xpost.PostResult{}, err
		}
	}
	logutil.Debugf("tiktok: publish %s accepted (%s)", out.Data.PublishID, src.Source)
	return xpost.PostResult{PostID: out.Data.PublishID}, nil
}

// upload PUTs the video in the chunks announced at init time. The final chunk
// absorbs the remainder.
func (c *Client) upload(ctx context.Context, target string, m xpost.Media, src sourceInfo) error {
	if c.media == nil {
		return xpost.Permanent(errors.New("tiktok: no media opener configured"))
	}
	rc, err := c.media.Open(ctx, m)
	if err != nil {
		return err
	}
	defer rc.Close()

	contentType := m.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	var start int64
	for i := int64(0); i < src.TotalChunkCount; i++ {
		n := src.ChunkSize
		if i == src.TotalChunkCount-1 {
			n = src.VideoSize - start
		}
		req := httpapi.Request{
			Method:        http.MethodPut,
			Path:          target,
			Body:          io.LimitReader(rc, n),
			ContentType:   contentType,
			ContentLength: n,
			Header:        http.Header{"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", start, start+n-1, src.VideoSize)}},
		}
		if _, err := c.api.Do(ctx, req, nil); err != nil {
			return fmt.Errorf("tiktok upload chunk %d/%d: %w", i+1, src.TotalChunkCount, err)
		}
		start += n
	}
	return nil
}

func chunkPlan(size int64) (chunk, count int64) {
	if size <= singleChunkMax {
		return size, 1
	}
	return chunkSize, size / chunkSize
}

// Authenticate reads the creator profile behind the token.
func (c *Client) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	var out struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				UnionID     string `json:"union_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
		Error apiError `json:"error"`
	}
	req := httpapi.Request{
		Method: http.MethodGet,
		Path:   "user/info/",
		Query:  url.Values{"fields": {"open_id,union_id,avatar_url,display_name"}},
		Bearer: cred.Token,
	}
	if _, err := c.api.Do(ctx, req, &out); err != nil {
		return xpost.AuthResult{}, err
	}
	if err := out.Error.err("user info"); err != nil {
		return xpost.AuthResult{}, err
	}
	u := out.Data.User
	return xpost.AuthResult{AccountID: u.OpenID, Name: u.DisplayName}, nil
}

// CredentialFromEnv reads the access token and optional privacy level.
func CredentialFromEnv() (xpost.Credential, error) {
	token := strings.TrimSpace(os.Getenv(envAccessToken))
	if token == "" {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(xpost.TikTok), Variables: []string{envAccessToken}}
	}
	cred := xpost.Credential{Token: token}
	if lvl := strings.TrimSpace(os.Getenv(envPrivacyLevel)); lvl != "" {
		cred.Aux = map[string]string{ParamPrivacyLevel: lvl}
	}
	return cred, nil
}
