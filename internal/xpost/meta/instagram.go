package meta

import (
	"context"
	"fmt"
	"net/url"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/httpapi"
)

const (
	ParamInstagramAccountID = "instagram_account_id"

	envInstagramToken     = "XPOSTD_INSTAGRAM_ACCESS_TOKEN"
	envInstagramAccountID = "XPOSTD_INSTAGRAM_ACCOUNT_ID"
)

// Instagram publishes a single image or reel through a media container.
type Instagram struct {
	graph
}

// NewInstagram returns the Instagram adapter.
func NewInstagram(opts Options) *Instagram {
	opts = opts.withDefaults()
	return &Instagram{graph{api: httpapi.New(opts.GraphURL), opts: opts}}
}

func (g *Instagram) Destination() xpost.Destination { return xpost.Instagram }

// Publish creates a container, waits for video processing and publishes it.
func (g *Instagram) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	account, err := requireParam(xpost.Instagram, cred, ParamInstagramAccountID)
	if err != nil {
		return xpost.PostResult{}, err
	}
	if len(req.Media) == 0 {
		return xpost.PostResult{}, xpost.Permanent(xpost.ValidationError{Provider: string(xpost.Instagram), Reason: "a media attachment is required"})
	}
	m := req.Media[0]
	src, err := publicURL(xpost.Instagram, m)
	if err != nil {
		return xpost.PostResult{}, err
	}

	form := url.Values{"caption": {req.Text}}
	if m.Kind == xpost.MediaVideo {
		form.Set("media_type", "REELS")
		form.Set("video_url", src)
	} else {
		form.Set("image_url", src)
		if m.AltText != "" {
			form.Set("alt_text", m.AltText)
		}
	}

	var container idResponse
	if err := g.post(ctx, account+"/media", cred.Token, form, &container); err != nil {
		return xpost.PostResult{}, fmt.Errorf("instagram create container: %w", err)
	}
	if container.ID == "" {
		return xpost.PostResult{}, errNoID("instagram create container")
	}
	if m.Kind == xpost.MediaVideo {
		if err := g.waitContainer(ctx, container.ID, cred.Token, "status_code"); err != nil {
			return xpost.PostResult{}, fmt.Errorf("instagram: %w", err)
		}
	}

	var published idResponse
	if err := g.post(ctx, account+"/media_publish", cred.Token, url.Values{"creation_id": {container.ID}}, &published); err != nil {
		return xpost.PostResult{}, fmt.Errorf("instagram publish: %w", err)
	}
	if published.ID == "" {
		return xpost.PostResult{}, errNoID("instagram publish")
	}
	logutil.Debugf("instagram: published %s from container %s", published.ID, container.ID)

	var link struct {
		Permalink string `json:"permalink"`
	}
	if err := g.get(ctx, published.ID, cred.Token, url.Values{"fields": {"permalink"}}, &link); err != nil {
		logutil.Debugf("instagram: permalink lookup failed: %v", err)
	}
	return xpost.PostResult{PostID: published.ID, URL: link.Permalink}, nil
}

// Authenticate reads the business account behind the token.
func (g *Instagram) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	account, err := requireParam(xpost.Instagram, cred, ParamInstagramAccountID)
	if err != nil {
		return xpost.AuthResult{}, err
	}
	var acct struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	}
	if err := g.get(ctx, account, cred.Token, url.Values{"fields": {"id,username,name"}}, &acct); err != nil {
		return xpost.AuthResult{}, err
	}
	return xpost.AuthResult{AccountID: acct.ID, Username: acct.Username, Name: acct.Name}, nil
}

// InstagramCredentialFromEnv reads the access token and business account id.
func InstagramCredentialFromEnv() (xpost.Credential, error) {
	return credentialFromEnv(xpost.Instagram, envInstagramToken, envInstagramAccountID, ParamInstagramAccountID)
}
