package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/intercept-cache/pkg/control"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	var controlURL string

	client := func() *control.Client {
		target := controlURL
		if target == "" {
			target = baseURL(ctx.cfg.Server.Control) + "/control"
		}
		return control.NewClient(&control.HTTPTransport{
			URL:        target,
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
		})
	}

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the cache of a running server",
	}
	cacheCmd.PersistentFlags().StringVar(&controlURL, "control-url", "", "Control endpoint URL (default derived from server.control)")

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "remove <url>...",
		Short: "Remove cached responses for the given URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			for _, rawURL := range args {
				if err := c.RemoveFromCache(cmd.Context(), rawURL); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", rawURL)
			}
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Show storage usage, quota and budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client().Info(cmd.Context(), ctx.cfg.Store.MaxBudgetBytes)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Usage:     %s\n", formatSize(info.Usage))
			fmt.Fprintf(out, "Quota:     %s\n", formatSize(info.Quota))
			fmt.Fprintf(out, "Available: %s\n", formatSize(info.Available))
			fmt.Fprintf(out, "Budget:    %s\n", formatSize(info.MaxSize))
			return nil
		},
	})

	return cacheCmd
}

// formatSize renders bytes in IEC units.
func formatSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// baseURL turns a listen address such as ":8081" into a dialable URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
