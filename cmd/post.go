package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blacktop/xpostd/internal/app"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/registry"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultAltText = "Image attached via xpostd"

type postOptions struct {
	message  string
	images   []string
	altText  string
	video    string
	media    []string
	targets  []string
	schedule string
	dryRun   bool
	asJSON   bool
}

func newPostCommand() *cobra.Command {
	var opts postOptions

	cmd := &cobra.Command{
		Use:   "post [message]",
		Short: "Publish a message to one or more destinations",
		Long: "Publish the same update to every selected destination at once. Provide the message as an " +
			"argument, with --message, or on stdin. Without --target the message goes to every destination " +
			"that has credentials.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(cmd, args, opts)
		},
		Example: `  xpostd post --message "hello world" --image ./shot.png
  xpostd post "Ship it!" --target x --target mastodon
  xpostd post "New video" --video ./clip.mp4 --target youtube,tiktok --schedule 2030-01-02T15:04:05Z
  echo "Release shipped" | xpostd post --target all --dry-run`,
	}

	f := cmd.Flags()
	f.StringVarP(&opts.message, "message", "m", "", "Message text to post")
	f.StringArrayVar(&opts.images, "image", nil, "Path to an image to attach (repeatable)")
	f.StringVar(&opts.altText, "alt-text", "", "Alternative text to describe attached images")
	f.StringVar(&opts.video, "video", "", "Path or URL of a video to attach")
	f.StringArrayVar(&opts.media, "media", nil, "Path or URL of media to attach, kind is detected (repeatable)")
	f.StringSliceVarP(&opts.targets, "target", "t", nil, "Destinations to post to (x, threads, facebook, instagram, tiktok, youtube, mastodon, bluesky, or all)")
	f.StringVar(&opts.schedule, "schedule", "", "Publish time as RFC 3339 or unix seconds")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Validate without posting")
	f.BoolVar(&opts.asJSON, "json", false, "Print outcomes as JSON")
	f.SortFlags = false

	_ = cmd.RegisterFlagCompletionFunc("target", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return append(knownTargets(), "all"), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runPost(cmd *cobra.Command, args []string, opts postOptions) error {
	ctx := cmd.Context()

	message, err := resolveMessage(cmd, args, opts.message)
	if err != nil {
		return err
	}
	media := opts.mediaRefs()
	if message == "" && len(media) == 0 {
		return errors.New("message is required")
	}
	targets, err := normalizeTargets(opts.targets)
	if err != nil {
		return err
	}
	at, err := app.ParseSchedule(strings.TrimSpace(opts.schedule))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// local files anywhere on disk are fine from the command line
	cfg.Media.AllowOutsideUploads = true

	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if targets == nil {
		targets = svc.Configured()
		if len(targets) == 0 {
			return errors.New("no destinations have credentials; set XPOSTD_* variables or pass --target")
		}
	}

	req := xpost.Request{Text: message, Media: media, Destinations: targets, ScheduleAt: at}
	out := cmd.OutOrStdout()

	if opts.dryRun {
		verdicts, err := svc.Validate(ctx, req)
		if err != nil {
			return err
		}
		return reportDryRun(out, req, verdicts, opts.asJSON)
	}

	res, err := svc.Publish(ctx, req)
	if err != nil {
		return err
	}
	return reportOutcomes(out, res, opts.asJSON)
}

func (o postOptions) mediaRefs() []xpost.MediaRef {
	var refs []xpost.MediaRef
	alt := strings.TrimSpace(o.altText)
	if alt == "" {
		alt = defaultAltText
	}
	for _, p := range o.images {
		ref := mediaRef(p)
		ref.Kind = xpost.MediaImage
		ref.AltText = alt
		refs = append(refs, ref)
	}
	if o.video != "" {
		ref := mediaRef(o.video)
		ref.Kind = xpost.MediaVideo
		refs = append(refs, ref)
	}
	for _, m := range o.media {
		refs = append(refs, mediaRef(m))
	}
	return refs
}

func mediaRef(src string) xpost.MediaRef {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return xpost.MediaRef{URL: src}
	}
	return xpost.MediaRef{Path: src}
}

func resolveMessage(cmd *cobra.Command, args []string, flag string) (string, error) {
	message := flag

	if len(args) > 0 {
		if message != "" {
			return "", errors.New("provide the message either as an argument or with --message, not both")
		}
		message = strings.Join(args, " ")
	}

	if message != "" {
		return strings.TrimSpace(message), nil
	}

	stdin := cmd.InOrStdin()
	if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return "", nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func knownTargets() []string {
	profiles := registry.DefaultProfiles()
	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = string(p.ID)
	}
	return out
}

// normalizeTargets returns nil when no target was given.
func normalizeTargets(values []string) ([]xpost.Destination, error) {
	known := map[xpost.Destination]struct{}{}
	for _, t := range knownTargets() {
		known[xpost.Destination(t)] = struct{}{}
	}

	var result []xpost.Destination
	seen := map[xpost.Destination]struct{}{}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.EqualFold(raw, "all") {
			all := knownTargets()
			out := make([]xpost.Destination, len(all))
			for i, t := range all {
				out[i] = xpost.Destination(t)
			}
			return out, nil
		}
		dest := xpost.ParseDestination(raw)
		if _, ok := known[dest]; !ok {
			return nil, fmt.Errorf("unsupported target %q", raw)
		}
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		result = append(result, dest)
	}

	if len(values) > 0 && len(result) == 0 {
		return nil, errors.New("no targets selected")
	}
	return result, nil
}

func reportDryRun(out io.Writer, req xpost.Request, verdicts []app.Verdict, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(verdicts); err != nil {
			return err
		}
	} else {
		for _, v := range verdicts {
			if v.Ready {
				fmt.Fprintf(out, "[dry-run] would post to %s: %q\n", v.Destination, req.Text)
				continue
			}
			fmt.Fprintf(out, "[dry-run] %s rejected: %s: %s\n", v.Destination, v.Status, v.Reason)
		}
		for _, m := range req.Media {
			fmt.Fprintf(out, "[dry-run] media: %s (alt: %q)\n", m.Source(), m.AltText)
		}
	}

	var rejected int
	for _, v := range verdicts {
		if !v.Ready {
			rejected++
		}
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d destinations would be rejected", rejected, len(verdicts))
	}
	return nil
}

func reportOutcomes(out io.Writer, res xpost.BatchResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Outcomes); err != nil {
			return err
		}
	} else {
		for _, o := range res.Outcomes {
			if o.Success() {
				ref := o.URL
				if ref == "" {
					ref = o.PostID
				}
				fmt.Fprintf(out, "posted to %s: %s\n", o.Destination, ref)
				continue
			}
			fmt.Fprintf(out, "failed to post to %s: %s\n", o.Destination, o.Error())
		}
	}

	var errs []error
	for _, o := range res.Outcomes {
		if !o.Success() {
			errs = append(errs, fmt.Errorf("%s: %s", o.Destination, o.Error()))
		}
	}
	return errors.Join(errs...)
}
