package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"pinggy/internal/archiver"
	"pinggy/internal/config"
	"pinggy/internal/extractor"
	"pinggy/internal/fetcher"
	"pinggy/internal/metrics"
	"pinggy/internal/model"
	"pinggy/internal/reconcile"
	"pinggy/internal/storage"
	"pinggy/internal/subscription"
)

func main() {
	_ = godotenv.Load()

	app := newApp(os.Stdout, &http.Client{})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer, client *http.Client) *cli.App {
	app := cli.NewApp()
	app.Name = "feedctl"
	app.Usage = "inspect feeds and run maintenance against the pinggy store"
	app.Version = fetcher.Version
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "per-request timeout",
		},
	}

	withClient := func(c *cli.Context) *http.Client {
		cl := *client
		cl.Timeout = c.GlobalDuration("timeout")
		return &cl
	}

	app.Commands = []cli.Command{
		{
			Name:      "fetch",
			Usage:     "retrieve a feed and print the normalized result",
			ArgsUsage: "<feed-url>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "max-items", Value: fetcher.DefaultMaxItems, Usage: "entries to keep"},
			},
			Action: func(c *cli.Context) error {
				url, err := requireArg(c)
				if err != nil {
					return err
				}
				r := fetcher.New(withClient(c))
				r.SetMaxItems(c.Int("max-items"))
				feed, err := r.Retrieve(context.Background(), url)
				if err != nil {
					return err
				}
				printFeed(c.App.Writer, feed)
				return nil
			},
		},
		{
			Name:      "discover",
			Usage:     "find the feed advertised by a web page",
			ArgsUsage: "<page-url>",
			Action: func(c *cli.Context) error {
				url, err := requireArg(c)
				if err != nil {
					return err
				}
				feedURL, err := fetcher.NewDiscoverer(withClient(c)).Discover(context.Background(), url)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, feedURL)
				return nil
			},
		},
		{
			Name:      "extract",
			Usage:     "extract the readable article of a page",
			ArgsUsage: "<page-url>",
			Action: func(c *cli.Context) error {
				url, err := requireArg(c)
				if err != nil {
					return err
				}
				article, err := extractor.New(withClient(c)).Extract(context.Background(), url)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "title: %s\nreaderable: %t\n\n%s\n", article.Title, article.Readerable, article.TextContent)
				return nil
			},
		},
		{
			Name:      "refresh",
			Usage:     "run one fetch cycle for a stored channel",
			ArgsUsage: "<channel-id>",
			Action: func(c *cli.Context) error {
				arg, err := requireArg(c)
				if err != nil {
					return err
				}
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid channel id %q", arg)
				}
				return withStore(func(ctx context.Context, cfg *config.Config, store storage.Storage, log *slog.Logger) error {
					r := fetcher.New(withClient(c))
					r.SetMaxItems(cfg.MaxItems)
					ch, err := reconcile.New(store, r, metrics.Discard(), log).Refresh(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "refreshed #%d %s\n", ch.ID, ch.Title)
					return nil
				})
			},
		},
		{
			Name:      "interval",
			Usage:     "change how often a stored channel is fetched",
			ArgsUsage: "<channel-id> <minutes>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
				}
				id, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid channel id %q", c.Args().Get(0))
				}
				minutes, err := strconv.Atoi(c.Args().Get(1))
				if err != nil || minutes < subscription.MinInterval || minutes > subscription.MaxInterval {
					return fmt.Errorf("minutes must be between %d and %d", subscription.MinInterval, subscription.MaxInterval)
				}
				return withStore(func(ctx context.Context, _ *config.Config, store storage.Storage, _ *slog.Logger) error {
					if err := store.UpdateChannel(ctx, id, model.ChannelUpdate{FetchIntervalMinutes: &minutes}); err != nil {
						return fmt.Errorf("update channel %d: %w", id, err)
					}
					// A running service applies the new interval after the channel's next fetch.
					fmt.Fprintf(c.App.Writer, "channel #%d fetched every %d min\n", id, minutes)
					return nil
				})
			},
		},
		{
			Name:  "archive",
			Usage: "archive old items and delete unsaved archived items once",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "max-age", Usage: "archive items older than this (default ARCHIVE_AFTER_DAYS)"},
			},
			Action: func(c *cli.Context) error {
				return withStore(func(ctx context.Context, cfg *config.Config, store storage.Storage, log *slog.Logger) error {
					a := archiver.New(store, metrics.Discard(), log)
					a.SetMaxAge(cfg.ArchiveAfter)
					if c.IsSet("max-age") {
						a.SetMaxAge(c.Duration("max-age"))
					}
					res, err := a.Sweep(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "archived %d, deleted %d\n", res.Archived, res.Deleted)
					return nil
				})
			},
		},
	}
	return app
}

func requireArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().First(), nil
}

// withStore opens the store described by the environment for the duration of fn.
func withStore(fn func(ctx context.Context, cfg *config.Config, store storage.Storage, log *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, cfg, store, log)
}

func printFeed(w io.Writer, feed *fetcher.Feed) {
	ch := feed.Channel
	fmt.Fprintf(w, "%s\n  link: %s\n  feed: %s\n", ch.Title, ch.Link, ch.FeedURL)
	if ch.Description != "" {
		fmt.Fprintf(w, "  description: %s\n", ch.Description)
	}
	fmt.Fprintf(w, "%d items, %d skipped\n", len(feed.Items), feed.Skipped)
	for _, it := range feed.Items {
		fmt.Fprintf(w, "\n- %s\n  guid: %s\n", it.Title, it.GUID)
		if it.Link != "" {
			fmt.Fprintf(w, "  link: %s\n", it.Link)
		}
		if it.PublishedAt != nil {
			fmt.Fprintf(w, "  published: %s\n", it.PublishedAt.UTC().Format(time.RFC3339))
		}
	}
}
