package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	envHandle      = "XPOSTD_BLUESKY_HANDLE"
	envAppPassword = "XPOSTD_BLUESKY_APP_PASSWORD"
	envPDSURL      = "XPOSTD_BLUESKY_PDS_URL"

	ParamHandle = "handle"
	ParamPDSURL = "pds_url"

	DefaultPDSURL = "https://bsky.social"

	// blobs above this are rejected by the PDS
	maxBlobBytes = 1_000_000
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"']+[^\s<>"'.,;:!?)\]]`)

// Client implements xpost.Adapter for Bluesky. The credential token is an app
// password; a session is created per call.
type Client struct {
	media xpost.MediaOpener
	http  *http.Client
}

// New returns the Bluesky adapter.
func New(media xpost.MediaOpener) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 30 * time.Second
	return &Client{media: media, http: httpClient}
}

func (c *Client) Destination() xpost.Destination { return xpost.Bluesky }

func (c *Client) login(ctx context.Context, cred xpost.Credential) (*xrpc.Client, error) {
	host := cred.Param(ParamPDSURL)
	if host == "" {
		host = DefaultPDSURL
	}
	userAgent := "xpostd/1"
	client := &xrpc.Client{
		Client:    c.http,
		Host:      strings.TrimRight(host, "/"),
		UserAgent: &userAgent,
	}

	session, err := atproto.ServerCreateSession(ctx, client, &atproto.ServerCreateSession_Input{
		Identifier: cred.Param(ParamHandle),
		Password:   cred.Token,
	})
	if err != nil {
		return nil, classify("login", err)
	}
	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	return client, nil
}

// Publish creates an app.bsky.feed.post record with image embeds and link
// facets.
func (c *Client) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	client, err := c.login(ctx, cred)
	if err != nil {
		return xpost.PostResult{}, err
	}

	post := &bsky.FeedPost{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Text:      req.Text,
		Facets:    linkFacets(req.Text),
	}

	if len(req.Media) > 0 {
		images := make([]*bsky.EmbedImages_Image, 0, len(req.Media))
		for _, m := range req.Media {
			blob, err := c.uploadImage(ctx, client, m)
			if err != nil {
				return xpost.PostResult{}, err
			}
			images = append(images, &bsky.EmbedImages_Image{Alt: m.AltText, Image: blob})
		}
		post.Embed = &bsky.FeedPost_Embed{EmbedImages: &bsky.EmbedImages{Images: images}}
	}

	out, err := atproto.RepoCreateRecord(ctx, client, &atproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       client.Auth.Did,
		Record:     &util.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return xpost.PostResult{}, classify("create record", err)
	}
	logutil.Debugf("bluesky: created %s", out.Uri)
	return xpost.PostResult{PostID: out.Uri, URL: postURL(client.Auth.Handle, out.Uri)}, nil
}

// Authenticate logs in and reports the session's account.
func (c *Client) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	if cred.Param(ParamHandle) == "" {
		return xpost.AuthResult{}, xpost.Auth(errors.New("bluesky handle is required"))
	}
	client, err := c.login(ctx, cred)
	if err != nil {
		return xpost.AuthResult{}, err
	}
	return xpost.AuthResult{AccountID: client.Auth.Did, Username: client.Auth.Handle}, nil
}

func (c *Client) uploadImage(ctx context.Context, client *xrpc.Client, m xpost.Media) (*util.LexBlob, error) {
	rc, err := c.media.Open(ctx, m)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, io.LimitReader(rc, maxBlobBytes+1)); err != nil {
		return nil, xpost.Transient(fmt.Errorf("read image: %w", err))
	}
	if buf.Len() > maxBlobBytes {
		return nil, xpost.Permanent(xpost.ValidationError{
			Provider: string(xpost.Bluesky),
			Reason:   fmt.Sprintf("image exceeds %d bytes", maxBlobBytes),
		})
	}

	resp, err := atproto.RepoUploadBlob(ctx, client, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, classify("upload blob", err)
	}
	if resp.Blob == nil {
		return nil, xpost.Transient(errors.New("upload blob: empty response"))
	}
	return resp.Blob, nil
}

// linkFacets marks every URL in text as a link. Offsets are UTF-8 byte
// offsets, which is what the lexicon requires.
func linkFacets(text string) []*bsky.RichtextFacet {
	var facets []*bsky.RichtextFacet
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		facets = append(facets, &bsky.RichtextFacet{
			Index: &bsky.RichtextFacet_ByteSlice{ByteStart: int64(loc[0]), ByteEnd: int64(loc[1])},
			Features: []*bsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Link: &bsky.RichtextFacet_Link{Uri: text[loc[0]:loc[1]]}},
			},
		})
	}
	return facets
}

// postURL turns at://did/app.bsky.feed.post/rkey into a bsky.app link.
func postURL(handle, uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 || handle == "" {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, uri[idx+1:])
}

// CredentialFromEnv builds a credential from XPOSTD_BLUESKY_* variables.
func CredentialFromEnv() (xpost.Credential, error) {
	handle := strings.TrimSpace(os.Getenv(envHandle))
	password := strings.TrimSpace(os.Getenv(envAppPassword))

	var missing []string
	if handle == "" {
		missing = append(missing, envHandle)
	}
	if password == "" {
		missing = append(missing, envAppPassword)
	}
	if len(missing) > 0 {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(xpost.Bluesky), Variables: missing}
	}

	aux := map[string]string{ParamHandle: handle}
	if pds := strings.TrimSpace(os.Getenv(envPDSURL)); pds != "" {
		aux[ParamPDSURL] = pds
	}
	return xpost.Credential{Token: password, Aux: aux}, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	var xerr *xrpc.Error
	if errors.As(err, &xerr) && xerr.StatusCode != 0 {
		// the PDS answers bad logins with 401 and bad records with 400
		return xpost.FromStatus(xerr.StatusCode, wrapped)
	}
	return xpost.Transient(wrapped)
}
