package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/httpapi"
)

const (
	ParamPageID = "page_id"

	envFacebookToken  = "XPOSTD_FACEBOOK_PAGE_ACCESS_TOKEN"
	envFacebookPageID = "XPOSTD_FACEBOOK_PAGE_ID"
)

// Facebook posts to a Page feed. Scheduling is native.
type Facebook struct {
	graph
}

// NewFacebook returns the Facebook Page adapter.
func NewFacebook(opts Options) *Facebook {
	opts = opts.withDefaults()
	return &Facebook{graph{api: httpapi.New(opts.GraphURL), opts: opts}}
}

func (f *Facebook) Destination() xpost.Destination { return xpost.Facebook }

// Publish posts text, a single photo or video, or a multi-photo feed post.
func (f *Facebook) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	pageID, err := requireParam(xpost.Facebook, cred, ParamPageID)
	if err != nil {
		return xpost.PostResult{}, err
	}

	form := url.Values{}
	if req.ScheduleAt != nil {
		form.Set("published", "false")
		form.Set("scheduled_publish_time", strconv.FormatInt(req.ScheduleAt.Unix(), 10))
	}

	var (
		out  idResponse
		path string
	)
	switch {
	case len(req.Media) == 1 && req.Media[0].Kind == xpost.MediaVideo:
		src, err := publicURL(xpost.Facebook, req.Media[0])
		if err != nil {
			return xpost.PostResult{}, err
		}
		path = pageID + "/videos"
		form.Set("file_url", src)
		form.Set("description", req.Text)
	case len(req.Media) == 1:
		src, err := publicURL(xpost.Facebook, req.Media[0])
		if err != nil {
			return xpost.PostResult{}, err
		}
		path = pageID + "/photos"
		form.Set("url", src)
		form.Set("caption", req.Text)
		if alt := req.Media[0].AltText; alt != "" {
			form.Set("alt_text_custom", alt)
		}
	case len(req.Media) > 1:
		ids, err := f.stagePhotos(ctx, pageID, cred.Token, req.Media)
		if err != nil {
			return xpost.PostResult{}, err
		}
		path = pageID + "/feed"
		form.Set("message", req.Text)
		for i, id := range ids {
			ref, _ := json.Marshal(map[string]string{"media_fbid": id})
			form.Set(fmt.Sprintf("attached_media[%d]", i), string(ref))
		}
	default:
		path = pageID + "/feed"
		form.Set("message", req.Text)
	}

	if err := f.post(ctx, path, cred.Token, form, &out); err != nil {
		return xpost.PostResult{}, fmt.Errorf("facebook %s: %w", path, err)
	}
	id := out.PostID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return xpost.PostResult{}, errNoID("facebook post")
	}
	logutil.Debugf("facebook: posted %s via %s", id, path)
	return xpost.PostResult{PostID: id, URL: "https://www.facebook.com/" + id}, nil
}

// stagePhotos uploads unpublished photos for a multi-photo post.
func (f *Facebook) stagePhotos(ctx context.Context, pageID, token string, media []xpost.Media) ([]string, error) {
	ids := make([]string, 0, len(media))
	for i, m := range media {
		if m.Kind != xpost.MediaImage {
			return nil, xpost.Permanent(xpost.ValidationError{Provider: string(xpost.Facebook), Reason: "multi-media posts accept images only"})
		}
		src, err := publicURL(xpost.Facebook, m)
		if err != nil {
			return nil, err
		}
		var out idResponse
		if err := f.post(ctx, pageID+"/photos", token, url.Values{"url": {src}, "published": {"false"}}, &out); err != nil {
			return nil, fmt.Errorf("facebook stage photo %d: %w", i+1, err)
		}
		if out.ID == "" {
			return nil, errNoID("facebook stage photo")
		}
		ids = append(ids, out.ID)
	}
	return ids, nil
}

// Authenticate checks the page token.
func (f *Facebook) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := f.get(ctx, "me", cred.Token, url.Values{"fields": {"id,name"}}, &me); err != nil {
		return xpost.AuthResult{}, err
	}
	return xpost.AuthResult{AccountID: me.ID, Name: me.Name}, nil
}

// FacebookCredentialFromEnv reads the page token and id.
func FacebookCredentialFromEnv() (xpost.Credential, error) {
	return credentialFromEnv(xpost.Facebook, envFacebookToken, envFacebookPageID, ParamPageID)
}
