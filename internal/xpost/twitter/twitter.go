package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/media/upload"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/managetweet"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"
	"github.com/michimani/gotwi/user/userlookup"
	userlookuptypes "github.com/michimani/gotwi/user/userlookup/types"
)

const (
	envAPIKey       = "XPOSTD_X_CONSUMER_KEY"
	envAPISecret    = "XPOSTD_X_CONSUMER_SECRET"
	envAccessToken  = "XPOSTD_X_ACCESS_TOKEN"
	envAccessSecret = "XPOSTD_X_ACCESS_TOKEN_SECRET"

	// aux credential fields
	ParamAPIKey       = "api_key"
	ParamAPISecret    = "api_secret"
	ParamAccessSecret = "access_token_secret"

	metadataEndpoint = "https://upload.twitter.com/1.1/media/metadata/create.json"

	chunkSize     = 4 << 20
	maxMediaBytes = 512 << 20
)

// Client implements xpost.Adapter for X. A gotwi client is built per call from
// the credential it is handed, so credential updates apply to the next post.
type Client struct {
	media xpost.MediaOpener
	http  *http.Client
}

// New returns the X adapter. media streams attachments.
func New(media xpost.MediaOpener) *Client {
	return &Client{media: media, http: cleanhttp.DefaultPooledClient()}
}

func (c *Client) Destination() xpost.Destination { return xpost.X }

func (c *Client) api(cred xpost.Credential) (*gotwi.Client, error) {
	client, err := gotwi.NewClient(&gotwi.NewClientInput{
		HTTPClient:           c.http,
		AuthenticationMethod: gotwi.AuthenMethodOAuth1UserContext,
		OAuthToken:           cred.Token,
		OAuthTokenSecret:     cred.Param(ParamAccessSecret),
		APIKey:               cred.Param(ParamAPIKey),
		APIKeySecret:         cred.Param(ParamAPISecret),
		Debug:                os.Getenv("XPOSTD_X_DEBUG") == "1",
	})
	if err != nil {
		return nil, xpost.Auth(fmt.Errorf("create X client: %w", err))
	}
	if !client.IsReady() {
		return nil, xpost.Auth(errors.New("X client not ready"))
	}
	return client, nil
}

// Publish uploads any media and creates the tweet.
func (c *Client) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	api, err := c.api(cred)
	if err != nil {
		return xpost.PostResult{}, err
	}

	mediaIDs := make([]string, 0, len(req.Media))
	for i, m := range req.Media {
		logutil.Debugf("x: uploading media %d/%d kind=%s", i+1, len(req.Media), m.Kind)
		id, err := c.uploadMedia(ctx, api, m)
		if err != nil {
			return xpost.PostResult{}, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	input := &managetweettypes.CreateInput{Text: gotwi.String(req.Text)}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}

	res, err := managetweet.Create(ctx, api, input)
	if err != nil {
		return xpost.PostResult{}, classify("post tweet", err)
	}
	id := gotwi.StringValue(res.Data.ID)
	logutil.Debugf("x: tweet posted id=%s media=%d", id, len(mediaIDs))
	return xpost.PostResult{PostID: id, URL: "https://x.com/i/web/status/" + id}, nil
}

// Authenticate resolves the account behind the credential.
func (c *Client) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	api, err := c.api(cred)
	if err != nil {
		return xpost.AuthResult{}, err
	}
	me, err := userlookup.GetMe(ctx, api, &userlookuptypes.GetMeInput{})
	if err != nil {
		return xpost.AuthResult{}, classify("verify credentials", err)
	}
	return xpost.AuthResult{
		AccountID: gotwi.StringValue(me.Data.ID),
		Username:  gotwi.StringValue(me.Data.Username),
		Name:      gotwi.StringValue(me.Data.Name),
	}, nil
}

func (c *Client) uploadMedia(ctx context.Context, api *gotwi.Client, m xpost.Media) (string, error) {
	rc, err := c.media.Open(ctx, m)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxMediaBytes+1))
	rc.Close()
	if err != nil {
		return "", xpost.Transient(fmt.Errorf("read media: %w", err))
	}
	if len(data) > maxMediaBytes {
		return "", xpost.Permanent(fmt.Errorf("media exceeds %d bytes", maxMediaBytes))
	}

	mediaType, category, err := resolveMediaType(m, data)
	if err != nil {
		return "", err
	}

	initRes, err := upload.Initialize(ctx, api, &uploadtypes.InitializeInput{
		MediaType:     mediaType,
		TotalBytes:    len(data),
		MediaCategory: category,
	})
	if err != nil {
		return "", classify("initialize upload", err)
	}
	if err := partialError(initRes.Errors); err != nil {
		return "", xpost.Permanent(fmt.Errorf("initialize upload: %w", err))
	}
	mediaID := initRes.Data.MediaID

	for seg, off := 0, 0; off < len(data); seg, off = seg+1, off+chunkSize {
		end := min(off+chunkSize, len(data))
		appendIn := &uploadtypes.AppendInput{
			MediaID:      mediaID,
			Media:        bytes.NewReader(data[off:end]),
			SegmentIndex: seg,
		}
		appendIn.GenerateBoundary()
		appendRes, err := upload.Append(ctx, api, appendIn)
		if err != nil {
			return "", classify("append upload", err)
		}
		if err := partialError(appendRes.Errors); err != nil {
			return "", xpost.Permanent(fmt.Errorf("append upload segment %d: %w", seg, err))
		}
	}

	finalizeRes, err := upload.Finalize(ctx, api, &uploadtypes.FinalizeInput{MediaID: mediaID})
	if err != nil {
		return "", classify("finalize upload", err)
	}
	if err := partialError(finalizeRes.Errors); err != nil {
		return "", xpost.Permanent(fmt.Errorf("finalize upload: %w", err))
	}
	// Videos are processed asynchronously. Wait out the server's hint once; a
	// tweet created before processing finishes fails with a retryable 4xx/5xx.
	state := finalizeRes.Data.ProcessingInfo.State
	switch state {
	case "", resources.ProcessingInfoStateSucceeded:
	case resources.ProcessingInfoStateInProgress, resources.ProcessingInfoStatePending:
		wait := max(time.Duration(finalizeRes.Data.ProcessingInfo.CheckAfterSecs)*time.Second, time.Second)
		logutil.Debugf("x: media %s %s, waiting %s", mediaID, state, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	default:
		return "", xpost.Permanent(fmt.Errorf("media processing failed: state=%s", state))
	}

	if alt := strings.TrimSpace(m.AltText); alt != "" && m.Kind == xpost.MediaImage {
		if err := c.setAltText(ctx, api, mediaID, alt); err != nil {
			return "", err
		}
	}
	return mediaID, nil
}

func (c *Client) setAltText(ctx context.Context, api *gotwi.Client, mediaID, altText string) error {
	params := &metadataParameters{mediaID: mediaID, altText: altText}
	ctx = context.WithValue(ctx, "Content-Type", "application/json;charset=UTF-8")
	if err := api.CallAPI(ctx, metadataEndpoint, http.MethodPost, params, &metadataResponse{}); err != nil {
		return classify("set alt text", err)
	}
	return nil
}

// CredentialFromEnv builds a credential from XPOSTD_X_* variables.
func CredentialFromEnv() (xpost.Credential, error) {
	vals := map[string]string{
		envAPIKey:       strings.TrimSpace(os.Getenv(envAPIKey)),
		envAPISecret:    strings.TrimSpace(os.Getenv(envAPISecret)),
		envAccessToken:  strings.TrimSpace(os.Getenv(envAccessToken)),
		envAccessSecret: strings.TrimSpace(os.Getenv(envAccessSecret)),
	}
	var missing []string
	for _, k := range []string{envAPIKey, envAPISecret, envAccessToken, envAccessSecret} {
		if vals[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(xpost.X), Variables: missing}
	}
	return xpost.Credential{
		Token: vals[envAccessToken],
		Aux: map[string]string{
			ParamAPIKey:       vals[envAPIKey],
			ParamAPISecret:    vals[envAPISecret],
			ParamAccessSecret: vals[envAccessSecret],
		},
	}, nil
}

func resolveMediaType(m xpost.Media, data []byte) (uploadtypes.MediaType, uploadtypes.MediaCategory, error) {
	ct := m.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	switch {
	case strings.Contains(ct, "jpeg"):
		return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
	case strings.Contains(ct, "png"):
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
	case strings.Contains(ct, "gif"):
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
	case strings.Contains(ct, "webp"):
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
	case strings.Contains(ct, "mp4"), strings.Contains(ct, "quicktime"), m.Kind == xpost.MediaVideo:
		return uploadtypes.MediaType("video/mp4"), uploadtypes.MediaCategory("tweet_video"), nil
	}
	return "", "", xpost.Permanent(xpost.ValidationError{Provider: string(xpost.X), Reason: fmt.Sprintf("unsupported media type %q", ct)})
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		case pe.ResourceType != nil:
			msgs = append(msgs, fmt.Sprint(*pe.ResourceType))
		}
	}
	if len(msgs) == 0 {
		return errors.New("unknown error")
	}
	return errors.New(strings.Join(msgs, "; "))
}

// classify maps gotwi errors onto the publish failure kinds by HTTP status.
func classify(op string, err error) error {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		wrapped := fmt.Errorf("%s: %s", op, summarizeGotwiError(gwErr))
		if gwErr.StatusCode == 0 {
			return xpost.Transient(wrapped)
		}
		return xpost.FromStatus(gwErr.StatusCode, wrapped)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xpost.Transient(fmt.Errorf("%s: %w", op, err))
}

func summarizeGotwiError(err *gotwi.GotwiError) string {
	parts := make([]string, 0, 4)
	if err.Title != "" {
		parts = append(parts, err.Title)
	}
	if err.Detail != "" {
		parts = append(parts, err.Detail)
	}
	for _, apiErr := range err.APIErrors {
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
	}
	if len(parts) == 0 {
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "X API request failed"
	}
	return strings.Join(parts, "; ")
}

type metadataParameters struct {
	mediaID     string
	altText     string
	accessToken string
}

func (p *metadataParameters) SetAccessToken(token string)             { p.accessToken = token }
func (p *metadataParameters) AccessToken() string                     { return p.accessToken }
func (p *metadataParameters) ResolveEndpoint(endpointBase string) string { return endpointBase }
func (p *metadataParameters) ParameterMap() map[string]string        { return map[string]string{} }

func (p *metadataParameters) Body() (io.Reader, error) {
	var body struct {
		MediaID string `json:"media_id"`
		AltText struct {
			Text string `json:"text"`
		} `json:"alt_text"`
	}
	body.MediaID = p.mediaID
	body.AltText.Text = p.altText
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

type metadataResponse struct{}

func (metadataResponse) HasPartialError() bool { return false }
