package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFlags struct {
	addr    string
	apiKey  string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &clientFlags{}
	root := &cobra.Command{
		Use:           "campaignmedia-client",
		Short:         "Upload and manage campaign media",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", envOr("CAMPAIGNMEDIA_ADDR", "http://localhost:8080"), "service base URL")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", os.Getenv("CAMPAIGNMEDIA_API_KEY"), "API key for upload and delete")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Minute, "request timeout")
	root.SetOut(out)

	client := func() *MediaClient {
		return NewMediaClient(flags.addr, flags.apiKey, flags.timeout, out)
	}

	root.AddCommand(
		newUploadCmd(client),
		newGetCmd(client),
		newListCmd(client),
		newDeleteCmd(client),
	)
	return root
}

func newUploadCmd(client func() *MediaClient) *cobra.Command {
	var (
		pressID string
		title   string
		tags    []string
	)
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to the gallery, or to a press release with --press",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := media.EntityRef{Kind: media.EntityGallery}
			if pressID != "" {
				ref = media.EntityRef{Kind: media.EntityPress, ID: pressID}
			}
			resp, status, err := client().Upload(cmd.Context(), ref, title, tags, args)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp, status)
		},
	}
	cmd.Flags().StringVar(&pressID, "press", "", "attach to this press release")
	cmd.Flags().StringVar(&title, "title", "", "title applied to every file")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag applied to every file (repeatable)")
	return cmd
}

func newGetCmd(client func() *MediaClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one media record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, status, err := client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp, status)
		},
	}
}

func newListCmd(client func() *MediaClient) *cobra.Command {
	var pressID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gallery media, or the attachments of a press release",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := media.EntityRef{Kind: media.EntityGallery}
			if pressID != "" {
				ref = media.EntityRef{Kind: media.EntityPress, ID: pressID}
			}
			resp, status, err := client().List(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp, status)
		},
	}
	cmd.Flags().StringVar(&pressID, "press", "", "press release id")
	return cmd
}

func newDeleteCmd(client func() *MediaClient) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a media record and its remote asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, status, err := client().Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp, status)
		},
	}
}

// report prints the response data and errors and fails on a non-2xx status.
func report(out io.Writer, resp *Response, status int) error {
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		pretty, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(pretty))
	}
	for _, e := range resp.Errors {
		if e.Filename != "" {
			fmt.Fprintf(out, "✗ %s: %s\n", e.Filename, e.Reason)
		} else {
			fmt.Fprintf(out, "✗ %s\n", e.Reason)
		}
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("request failed with status %d", status)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
