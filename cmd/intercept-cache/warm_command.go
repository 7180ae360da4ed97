package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/intercept-cache/pkg/logging"
	"github.com/Sternrassler/intercept-cache/pkg/prefetch"
)

func newWarmCommand(ctx *commandContext) *cobra.Command {
	var (
		proxyURL    string
		listFile    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "warm [url...]",
		Short: "Fetch URLs through a running proxy so their responses are cached",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if listFile != "" {
				fromFile, err := readURLList(listFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}

			target := proxyURL
			if target == "" {
				target = baseURL(ctx.cfg.Server.Listen)
			}
			base, err := url.Parse(target)
			if err != nil {
				return fmt.Errorf("parse proxy url: %w", err)
			}

			pf := ctx.cfg.Prefetch
			if concurrency > 0 {
				pf.Concurrency = concurrency
			}
			warmer := prefetch.NewWarmer(http.DefaultTransport, base, prefetch.Config{
				MaxConcurrency: pf.Concurrency,
				Timeout:        time.Duration(pf.TimeoutSeconds) * time.Second,
			}, logging.NewLogger(logging.ComponentPrefetch))

			failed := 0
			out := cmd.OutOrStdout()
			for _, r := range warmer.Warm(cmd.Context(), urls) {
				if r.Error != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", r.URL, r.Error)
					continue
				}
				fmt.Fprintf(out, "OK    %s (%s, %s)\n", r.URL, formatSize(r.Bytes), cacheStatusLabel(r.CacheStatus))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d URLs failed", failed, len(urls))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&proxyURL, "proxy-url", "", "Proxy base URL (default derived from server.listen)")
	cmd.Flags().StringVarP(&listFile, "file", "f", "", "File with one URL per line")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel fetches (default from prefetch.concurrency)")

	return cmd
}

func readURLList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}

func cacheStatusLabel(status string) string {
	if status == "" {
		return "not cached"
	}
	return status
}
