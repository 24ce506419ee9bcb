package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const sniffLen = 512

// Config controls media resolution.
type Config struct {
	// Root confines local paths. Empty allows any readable path.
	Root string
	// AllowOutside accepts local paths outside Root. Such files get no
	// public URL.
	AllowOutside bool
	// PublicBaseURL, when set, is the externally reachable prefix under which
	// files in Root are served (see server's /media route).
	PublicBaseURL string
	// CheckTimeout bounds the reachability check of remote URLs.
	CheckTimeout time.Duration
	// CheckRetries is the number of reachability retries on transient errors.
	CheckRetries int
}

// Resolver turns media references into xpost.Media and opens them for
// adapters that upload bytes.
type Resolver struct {
	cfg     Config
	checker *retryablehttp.Client
	stream  *http.Client
}

// NewResolver builds a resolver. A zero CheckTimeout defaults to 10s.
func NewResolver(cfg Config) *Resolver {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.CheckRetries < 0 {
		cfg.CheckRetries = 0
	}
	if cfg.Root != "" {
		if abs, err := filepath.Abs(cfg.Root); err == nil {
			cfg.Root = abs
		}
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	checker := retryablehttp.NewClient()
	checker.HTTPClient = cleanhttp.DefaultPooledClient()
	checker.HTTPClient.Timeout = cfg.CheckTimeout
	checker.RetryMax = cfg.CheckRetries
	checker.RetryWaitMin = 200 * time.Millisecond
	checker.RetryWaitMax = 2 * time.Second
	checker.ErrorHandler = retryablehttp.PassthroughErrorHandler
	checker.Logger = logutil.Leveled{L: logutil.With("comp", "media")}

	return &Resolver{cfg: cfg, checker: checker, stream: cleanhttp.DefaultPooledClient()}
}

// ResolveAll resolves refs in order, stopping at the first failure.
func (r *Resolver) ResolveAll(ctx context.Context, refs []xpost.MediaRef) ([]xpost.Media, error) {
	out := make([]xpost.Media, 0, len(refs))
	for i, ref := range refs {
		m, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("media %d: %w", i+1, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Resolve validates one reference. Failures are xpost.ValidationError.
func (r *Resolver) Resolve(ctx context.Context, ref xpost.MediaRef) (xpost.Media, error) {
	if ref.Kind != "" && ref.Kind != xpost.MediaImage && ref.Kind != xpost.MediaVideo {
		return xpost.Media{}, invalid("unsupported media kind %q", ref.Kind)
	}
	switch {
	case ref.URL != "" && ref.Path != "":
		return xpost.Media{}, invalid("media reference has both url and path")
	case ref.URL != "":
		return r.resolveRemote(ctx, ref)
	case ref.Path != "":
		return r.resolveLocal(ref)
	default:
		return xpost.Media{}, invalid("media reference is empty")
	}
}

func (r *Resolver) resolveRemote(ctx context.Context, ref xpost.MediaRef) (xpost.Media, error) {
	u, err := url.Parse(ref.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xpost.Media{}, invalid("media url %q must be an absolute http(s) url", ref.URL)
	}

	resp, err := r.check(ctx, http.MethodHead, ref.URL)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = r.check(ctx, http.MethodGet, ref.URL)
	}
	if err != nil {
		return xpost.Media{}, invalid("media url %q is not reachable: %v", ref.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return xpost.Media{}, invalid("media url %q returned %s", ref.URL, resp.Status)
	}

	contentType := baseType(resp.Header.Get("Content-Type"))
	kind, err := pickKind(ref.Kind, contentType, path.Ext(u.Path))
	if err != nil {
		return xpost.Media{}, invalid("media url %q: %v", ref.URL, err)
	}
	return xpost.Media{
		Kind:        kind,
		URL:         ref.URL,
		ContentType: contentType,
		Size:        resp.ContentLength,
		AltText:     ref.AltText,
	}, nil
}

func (r *Resolver) check(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return r.checker.Do(req)
}

func (r *Resolver) resolveLocal(ref xpost.MediaRef) (xpost.Media, error) {
	p, err := filepath.Abs(ref.Path)
	if err != nil {
		return xpost.Media{}, invalid("media path %q: %v", ref.Path, err)
	}
	inRoot := r.cfg.Root != "" && within(r.cfg.Root, p)
	if r.cfg.Root != "" && !inRoot && !r.cfg.AllowOutside {
		return xpost.Media{}, invalid("media path %q is outside the upload directory", ref.Path)
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return xpost.Media{}, invalid("media file %q not found", ref.Path)
		}
		return xpost.Media{}, invalid("media file %q: %v", ref.Path, err)
	}
	if !info.Mode().IsRegular() {
		return xpost.Media{}, invalid("media path %q is not a regular file", ref.Path)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
	if contentType == "" {
		contentType, err = sniff(p)
		if err != nil {
			return xpost.Media{}, invalid("media file %q: %v", ref.Path, err)
		}
	}
	contentType = baseType(contentType)
	kind, err := pickKind(ref.Kind, contentType, filepath.Ext(p))
	if err != nil {
		return xpost.Media{}, invalid("media file %q: %v", ref.Path, err)
	}

	m := xpost.Media{
		Kind:        kind,
		Path:        p,
		ContentType: contentType,
		Size:        info.Size(),
		AltText:     ref.AltText,
	}
	if inRoot && r.cfg.PublicBaseURL != "" {
		rel, err := filepath.Rel(r.cfg.Root, p)
		if err == nil {
			m.URL = r.cfg.PublicBaseURL + "/" + (&url.URL{Path: filepath.ToSlash(rel)}).EscapedPath()
		}
	}
	return m, nil
}

// Open streams the media bytes: local files are opened directly, remote ones
// fetched.
func (r *Resolver) Open(ctx context.Context, m xpost.Media) (io.ReadCloser, error) {
	if m.Path != "" {
		return os.Open(m.Path)
	}
	if m.URL == "" {
		return nil, errors.New("media has neither path nor url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.stream.Do(req)
	if err != nil {
		return nil, xpost.Transient(fmt.Errorf("download media: %w", err))
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, xpost.FromStatus(resp.StatusCode, fmt.Errorf("download media: %s", resp.Status))
	}
	return resp.Body, nil
}

// KindFromContentType maps a MIME type to a media kind.
func KindFromContentType(ct string) (xpost.MediaKind, bool) {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return xpost.MediaImage, true
	case strings.HasPrefix(ct, "video/"):
		return xpost.MediaVideo, true
	}
	return "", false
}

func pickKind(declared xpost.MediaKind, contentType, ext string) (xpost.MediaKind, error) {
	detected, ok := KindFromContentType(contentType)
	if !ok {
		detected, ok = KindFromContentType(baseType(mime.TypeByExtension(strings.ToLower(ext))))
	}
	switch {
	case declared != "" && ok && declared != detected:
		return "", fmt.Errorf("declared %s but content is %s", declared, contentType)
	case declared != "":
		return declared, nil
	case ok:
		return detected, nil
	}
	return "", fmt.Errorf("cannot determine media kind (content type %q)", contentType)
}

func sniff(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func invalid(format string, args ...any) error {
	return xpost.ValidationError{Reason: fmt.Sprintf(format, args...)}
}
