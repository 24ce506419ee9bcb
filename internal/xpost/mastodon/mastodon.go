package mastodon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	mastodonapi "github.com/mattn/go-mastodon"
)

const (
	envServer       = "XPOSTD_MASTODON_SERVER"
	envAccessToken  = "XPOSTD_MASTODON_ACCESS_TOKEN"
	envClientID     = "XPOSTD_MASTODON_CLIENT_ID"
	envClientSecret = "XPOSTD_MASTODON_CLIENT_SECRET"

	ParamServer       = "server"
	ParamClientID     = "client_id"
	ParamClientSecret = "client_secret"
	ParamVisibility   = "visibility"

	requestTimeout = 30 * time.Second
)

// Client implements xpost.Adapter for Mastodon. Scheduling is native: a
// scheduled request becomes a scheduled status on the server.
type Client struct {
	media xpost.MediaOpener
}

// New returns the Mastodon adapter.
func New(media xpost.MediaOpener) *Client {
	return &Client{media: media}
}

func (c *Client) Destination() xpost.Destination { return xpost.Mastodon }

func (c *Client) api(cred xpost.Credential) *mastodonapi.Client {
	client := mastodonapi.NewClient(&mastodonapi.Config{
		Server:       cred.Param(ParamServer),
		AccessToken:  cred.Token,
		ClientID:     cred.Param(ParamClientID),
		ClientSecret: cred.Param(ParamClientSecret),
	})
	client.Timeout = requestTimeout
	return client
}

// Publish uploads attachments and posts (or schedules) the status.
func (c *Client) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	api := c.api(cred)

	var mediaIDs []mastodonapi.ID
	for _, m := range req.Media {
		attachment, err := c.uploadMedia(ctx, api, m)
		if err != nil {
			return xpost.PostResult{}, err
		}
		mediaIDs = append(mediaIDs, attachment.ID)
	}

	toot := &mastodonapi.Toot{
		Status:     req.Text,
		MediaIDs:   mediaIDs,
		Visibility: cred.Param(ParamVisibility),
	}
	if req.ScheduleAt != nil {
		at := *req.ScheduleAt
		toot.ScheduledAt = &at
	}

	status, err := api.PostStatus(ctx, toot)
	if err != nil {
		return xpost.PostResult{}, classify("post status", err)
	}
	logutil.Debugf("mastodon: status %s posted (scheduled=%t)", status.ID, req.ScheduleAt != nil)
	return xpost.PostResult{PostID: string(status.ID), URL: status.URL}, nil
}

// Authenticate verifies the token against the configured server.
func (c *Client) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	if cred.Param(ParamServer) == "" {
		return xpost.AuthResult{}, xpost.Auth(errors.New("mastodon server is required"))
	}
	acct, err := c.api(cred).GetAccountCurrentUser(ctx)
	if err != nil {
		return xpost.AuthResult{}, classify("verify credentials", err)
	}
	return xpost.AuthResult{AccountID: string(acct.ID), Username: acct.Acct, Name: acct.DisplayName}, nil
}

func (c *Client) uploadMedia(ctx context.Context, api *mastodonapi.Client, m xpost.Media) (*mastodonapi.Attachment, error) {
	rc, err := c.media.Open(ctx, m)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	attachment, err := api.UploadMediaFromMedia(ctx, &mastodonapi.Media{
		File:        rc,
		Description: m.AltText,
	})
	if err != nil {
		return nil, classify("upload media", err)
	}
	return attachment, nil
}

// CredentialFromEnv builds a credential from XPOSTD_MASTODON_* variables.
func CredentialFromEnv() (xpost.Credential, error) {
	server := strings.TrimSpace(os.Getenv(envServer))
	token := strings.TrimSpace(os.Getenv(envAccessToken))

	var missing []string
	if server == "" {
		missing = append(missing, envServer)
	}
	if token == "" {
		missing = append(missing, envAccessToken)
	}
	if len(missing) > 0 {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(xpost.Mastodon), Variables: missing}
	}

	aux := map[string]string{ParamServer: server}
	if v := strings.TrimSpace(os.Getenv(envClientID)); v != "" {
		aux[ParamClientID] = v
	}
	if v := strings.TrimSpace(os.Getenv(envClientSecret)); v != "" {
		aux[ParamClientSecret] = v
	}
	return xpost.Credential{Token: token, Aux: aux}, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	var apiErr *mastodonapi.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		if apiErr.StatusCode == http.StatusUnprocessableEntity {
			return xpost.Permanent(wrapped)
		}
		return xpost.FromStatus(apiErr.StatusCode, wrapped)
	}
	return xpost.Transient(wrapped)
}
