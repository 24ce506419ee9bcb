/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"os"

	"github.com/blacktop/xpostd/internal/config"
	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xpostd",
		Short: "Cross-post to social networks",
		Long: "xpostd publishes the same update to X, Threads, Facebook, Instagram, TikTok, YouTube, " +
			"Mastodon and Bluesky. Post from the command line or run the HTTP API with `xpostd serve`.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("XPOSTD_CONFIG"), "Path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPostCommand())
	cmd.AddCommand(newPlatformsCommand())
	cmd.AddCommand(newCompletionCommand())

	return cmd
}

// loadConfig reads --config and applies its log settings. --verbose wins over
// log.level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logutil.SetFormat(cfg.Log.Format); err != nil {
		return nil, err
	}
	if verbose {
		logutil.SetVerbose(true)
		return cfg, nil
	}
	if err := logutil.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}
