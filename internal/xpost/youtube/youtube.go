// Package youtube uploads videos with the YouTube Data API resumable protocol.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/httpapi"
)

const (
	DefaultAPIURL    = "https://www.googleapis.com/youtube/v3"
	DefaultUploadURL = "https://www.googleapis.com/upload/youtube/v3"

	ParamCategoryID = "category_id"
	ParamPrivacy    = "privacy_status"

	envAccessToken = "XPOSTD_YOUTUBE_ACCESS_TOKEN"
	envCategoryID  = "XPOSTD_YOUTUBE_CATEGORY_ID"

	defaultCategory = "22"
	maxTitle        = 100
)

// Client uploads to a YouTube channel.
type Client struct {
	api    *httpapi.Client
	upload *httpapi.Client
	media  xpost.MediaOpener
}

// New returns a YouTube adapter. Empty URLs fall back to the public endpoints.
func New(apiURL, uploadURL string, media xpost.MediaOpener) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	return &Client{api: httpapi.New(apiURL), upload: httpapi.New(uploadURL), media: media}
}

func (c *Client) Destination() xpost.Destination { return xpost.YouTube }

type snippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CategoryID  string   `json:"categoryId"`
	Tags        []string `json:"tags"`
}

type status struct {
	PrivacyStatus           string `json:"privacyStatus"`
	PublishAt               string `json:"publishAt,omitempty"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
}

type video struct {
	Snippet snippet `json:"snippet"`
	Status  status  `json:"status"`
}

// Publish uploads the video. The first line of the text becomes the title and
// the rest the description. Scheduled uploads stay private until publishAt.
func (c *Client) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	if len(req.Media) == 0 || req.Media[0].Kind != xpost.MediaVideo {
		return xpost.PostResult{}, xpost.Permanent(xpost.ValidationError{Provider: string(xpost.YouTube), Reason: "a video is required"})
	}
	if c.media == nil {
		return xpost.PostResult{}, xpost.Permanent(errors.New("youtube: no media opener configured"))
	}
	m := req.Media[0]

	meta := metadata(req, cred)
	contentType := m.ContentType
	if contentType == "" {
		contentType = "video/*"
	}

	start := httpapi.Request{
		Method: http.MethodPost,
		Path:   "videos",
		Query:  url.Values{"uploadType": {"resumable"}, "part": {"snippet,status"}},
		Bearer: cred.Token,
		Header: http.Header{"X-Upload-Content-Type": {contentType}},
	}
	if m.Size > 0 {
		start.Header.Set("X-Upload-Content-Length", strconv.FormatInt(m.Size, 10))
	}
	if err := start.JSON(meta); err != nil {
		return xpost.PostResult{}, err
	}
	resp, err := c.upload.Do(ctx, start, nil)
	if err != nil {
		return xpost.PostResult{}, fmt.Errorf("youtube start upload: %w", err)
	}
	session := resp.Header.Get("Location")
	if session == "" {
		return xpost.PostResult{}, xpost.Permanent(errors.New("youtube start upload: no session location returned"))
	}

	rc, err := c.media.Open(ctx, m)
	if err != nil {
		return xpost.PostResult{}, err
	}
	defer rc.Close()

	var out struct {
		ID string `json:"id"`
	}
	put := httpapi.Request{
		Method:        http.MethodPut,
		Path:          session,
		Body:          rc,
		ContentType:   contentType,
		ContentLength: m.Size,
		Bearer:        cred.Token,
	}
	if _, err := c.upload.Do(ctx, put, &out); err != nil {
		return xpost.PostResult{}, fmt.Errorf("youtube upload: %w", err)
	}
	if out.ID == "" {
		return xpost.PostResult{}, xpost.Permanent(errors.New("youtube upload: response carried no video id"))
	}
	logutil.Debugf("youtube: uploaded %s (%s)", out.ID, meta.Status.PrivacyStatus)
	return xpost.PostResult{PostID: out.ID, URL: "https://www.youtube.com/watch?v=" + out.ID}, nil
}

func metadata(req xpost.NormalizedRequest, cred xpost.Credential) video {
	title, description := splitText(req.Text)
	v := video{
		Snippet: snippet{Title: title, Description: description, CategoryID: defaultCategory, Tags: []string{}},
		Status:  status{PrivacyStatus: "public"},
	}
	if cat := cred.Param(ParamCategoryID); cat != "" {
		v.Snippet.CategoryID = cat
	}
	if p := cred.Param(ParamPrivacy); p != "" {
		v.Status.PrivacyStatus = strings.ToLower(p)
	}
	if req.ScheduleAt != nil {
		v.Status.PrivacyStatus = "private"
		v.Status.PublishAt = req.ScheduleAt.UTC().Format(time.RFC3339)
	}
	return v
}

// splitText derives a title from the first line, capped at the API's limit.
func splitText(text string) (title, description string) {
	first, rest, found := strings.Cut(text, "\n")
	title = strings.TrimSpace(first)
	if r := []rune(title); len(r) > maxTitle {
		title = string(r[:maxTitle])
	}
	if title == "" {
		title = "Untitled"
	}
	if found {
		return title, strings.TrimSpace(rest)
	}
	return title, text
}

// Authenticate looks up the channel owned by the token.
func (c *Client) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	var out struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title     string `json:"title"`
				CustomURL string `json:"customUrl"`
			} `json:"snippet"`
		} `json:"items"`
	}
	req := httpapi.Request{
		Method: http.MethodGet,
		Path:   "channels",
		Query:  url.Values{"part": {"snippet"}, "mine": {"true"}},
		Bearer: cred.Token,
	}
	if _, err := c.api.Do(ctx, req, &out); err != nil {
		return xpost.AuthResult{}, err
	}
	if len(out.Items) == 0 {
		return xpost.AuthResult{}, xpost.Auth(errors.New("youtube: no channel found for token"))
	}
	ch := out.Items[0]
	return xpost.AuthResult{AccountID: ch.ID, Username: ch.Snippet.CustomURL, Name: ch.Snippet.Title}, nil
}

// CredentialFromEnv reads the OAuth access token and optional category.
func CredentialFromEnv() (xpost.Credential, error) {
	token := strings.TrimSpace(os.Getenv(envAccessToken))
	if token == "" {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(xpost.YouTube), Variables: []string{envAccessToken}}
	}
	cred := xpost.Credential{Token: token}
	if cat := strings.TrimSpace(os.Getenv(envCategoryID)); cat != "" {
		cred.Aux = map[string]string{ParamCategoryID: cat}
	}
	return cred, nil
}
