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
	ParamThreadsUserID = "threads_user_id"

	envThreadsToken  = "XPOSTD_THREADS_ACCESS_TOKEN"
	envThreadsUserID = "XPOSTD_THREADS_USER_ID"
)

// Threads publishes through the two-step container flow of the Threads API.
type Threads struct {
	graph
}

// NewThreads returns the Threads adapter.
func NewThreads(opts Options) *Threads {
	opts = opts.withDefaults()
	return &Threads{graph{api: httpapi.New(opts.ThreadsURL), opts: opts}}
}

func (t *Threads) Destination() xpost.Destination { return xpost.Threads }

func (t *Threads) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	user, err := requireParam(xpost.Threads, cred, ParamThreadsUserID)
	if err != nil {
		return xpost.PostResult{}, err
	}

	form := url.Values{"text": {req.Text}, "media_type": {"TEXT"}}
	var video bool
	if len(req.Media) > 0 {
		m := req.Media[0]
		src, err := publicURL(xpost.Threads, m)
		if err != nil {
			return xpost.PostResult{}, err
		}
		if m.Kind == xpost.MediaVideo {
			video = true
			form.Set("media_type", "VIDEO")
			form.Set("video_url", src)
		} else {
			form.Set("media_type", "IMAGE")
			form.Set("image_url", src)
		}
		if m.AltText != "" {
			form.Set("alt_text", m.AltText)
		}
	}

	var container idResponse
	if err := t.post(ctx, user+"/threads", cred.Token, form, &container); err != nil {
		return xpost.PostResult{}, fmt.Errorf("threads create container: %w", err)
	}
	if container.ID == "" {
		return xpost.PostResult{}, errNoID("threads create container")
	}
	if video {
		if err := t.waitContainer(ctx, container.ID, cred.Token, "status"); err != nil {
			return xpost.PostResult{}, fmt.Errorf("threads: %w", err)
		}
	}

	var published idResponse
	if err := t.post(ctx, user+"/threads_publish", cred.Token, url.Values{"creation_id": {container.ID}}, &published); err != nil {
		return xpost.PostResult{}, fmt.Errorf("threads publish: %w", err)
	}
	if published.ID == "" {
		return xpost.PostResult{}, errNoID("threads publish")
	}
	logutil.Debugf("threads: published %s", published.ID)

	var link struct {
		Permalink string `json:"permalink"`
	}
	if err := t.get(ctx, published.ID, cred.Token, url.Values{"fields": {"permalink"}}, &link); err != nil {
		logutil.Debugf("threads: permalink lookup failed: %v", err)
	}
	return xpost.PostResult{PostID: published.ID, URL: link.Permalink}, nil
}

func (t *Threads) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := t.get(ctx, "me", cred.Token, url.Values{"fields": {"id,username"}}, &me); err != nil {
		return xpost.AuthResult{}, err
	}
	return xpost.AuthResult{AccountID: me.ID, Username: me.Username}, nil
}

// ThreadsCredentialFromEnv reads the access token and user id.
func ThreadsCredentialFromEnv() (xpost.Credential, error) {
	return credentialFromEnv(xpost.Threads, envThreadsToken, envThreadsUserID, ParamThreadsUserID)
}
