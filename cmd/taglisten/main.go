package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/pbaille/taglisten/internal/api"
	"github.com/pbaille/taglisten/internal/classifier"
	"github.com/pbaille/taglisten/internal/config"
	"github.com/pbaille/taglisten/internal/domain"
	"github.com/pbaille/taglisten/internal/embedding"
	"github.com/pbaille/taglisten/internal/extract"
	"github.com/pbaille/taglisten/internal/ingest"
	"github.com/pbaille/taglisten/internal/ledger"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/pbaille/taglisten/internal/mirror"
	"github.com/pbaille/taglisten/internal/pipeline"
	"github.com/pbaille/taglisten/internal/scheduler"
	"github.com/pbaille/taglisten/internal/source"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/tagname"
	"github.com/pbaille/taglisten/internal/taxonomy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "taglisten",
		Short:        "Ingest hashtag posts and classify them into FAQ and issue topics",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.GetConfigPath(), "config file path")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(mirrorCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs, opened from the config file
type app struct {
	cfg        *config.Config
	log        logger.Logger
	posts      *store.PostStore
	classified *store.ClassifiedStore
	runs       *store.Runs
	mirror     *mirror.Mirror
}

// loadConfig reads the config file; a missing default file falls back to
// defaults and environment
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "taglisten",
	})

	runs, err := store.OpenRuns(cfg.RunsDB)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	loc := cfg.Location()
	a := &app{
		cfg:        cfg,
		log:        log,
		posts:      store.NewPostStore(cfg.DataDir, loc),
		classified: store.NewClassifiedStore(cfg.DataDir, loc),
		runs:       runs,
	}

	if mc := cfg.Mirror; mc.Endpoint != "" {
		a.mirror, err = mirror.New(mirror.Options{
			Endpoint:   mc.Endpoint,
			AccessKey:  mc.AccessKey,
			SecretKey:  mc.SecretKey,
			Repository: mc.Repository,
			Branch:     mc.Branch,
			Region:     mc.Region,
			Timeout:    mc.Timeout,
			Root:       cfg.DataDir,
		}, log)
		if err != nil {
			runs.Close()
			return nil, err
		}
		a.posts.SetReplicator(a.mirror)
		a.classified.SetReplicator(a.mirror)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.runs.Close()
}

// runner wires the pipeline; the classifier is only built when withClassifier
func (a *app) runner(withClassifier bool) (*pipeline.Runner, error) {
	loc := a.cfg.Location()
	src, err := source.New(a.cfg.Source.Kind, a.cfg.Source.Path, loc)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Source:      src,
		Merger:      ingest.NewMerger(a.posts, loc, a.log),
		Runs:        a.runs,
		MaxParallel: a.cfg.MaxParallelTags,
	}
	if withClassifier {
		deps.Driver, err = a.driver()
		if err != nil {
			return nil, err
		}
	}
	return pipeline.New(deps, a.log), nil
}

func (a *app) driver() (*extract.Driver, error) {
	cc := a.cfg.Classifier
	clf, err := classifier.New(classifier.Options{
		Provider:    cc.Provider,
		APIKey:      cc.APIKey,
		Model:       cc.Model,
		BaseURL:     cc.BaseURL,
		Temperature: cc.Temperature,
		MaxTokens:   cc.MaxTokens,
		Timeout:     cc.Timeout,
	})
	if err != nil {
		return nil, err
	}

	opts := extract.Options{
		ChunkSize:  a.cfg.ChunkSize,
		Categories: a.cfg.Categories,
	}
	if ec := a.cfg.Embedding; ec.APIKey != "" {
		emb, err := embedding.New(ec.APIKey, ec.Model, ec.BaseURL)
		if err != nil {
			return nil, err
		}
		opts.Canonicalizer = taxonomy.NewCanonicalizer(emb, ec.Threshold)
	} else {
		a.log.Debug().Msg("no embedding key, labels are kept as returned")
	}

	l := ledger.New(a.cfg.LedgerDir())
	return extract.NewDriver(clf, a.posts, a.classified, l, opts, a.log), nil
}

func ingestCmd() *cobra.Command {
	var tag, input string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Merge newly captured posts into the tag's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.runner(false)
			if err != nil {
				return err
			}

			var posts []domain.RawPost
			if input != "" {
				src, err := source.New(kindOf(input), input, a.cfg.Location())
				if err != nil {
					return err
				}
				posts, err = src.Fetch(cmd.Context(), tagname.Clean(tag))
				if err != nil {
					return err
				}
				if posts == nil {
					posts = []domain.RawPost{}
				}
			}

			n, err := r.Ingest(cmd.Context(), tag, posts)
			if err != nil {
				return err
			}
			fmt.Printf("Added %d new posts to %s\n", n, tagname.Clean(tag))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "hashtag to ingest")
	cmd.Flags().StringVarP(&input, "input", "i", "", "read posts from this file or URL instead of the configured source")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

// kindOf guesses the source kind from a file name
func kindOf(input string) string {
	switch strings.ToLower(filepath.Ext(input)) {
	case ".html", ".htm":
		return source.KindHTML
	}
	if source.IsURL(input) {
		return source.KindHTML
	}
	return source.KindJSON
}

func classifyCmd() *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify the posts of a tag not classified yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.runner(true)
			if err != nil {
				return err
			}
			res, err := r.Classify(cmd.Context(), tag)
			if err != nil {
				return err
			}

			fmt.Printf("Unseen posts:  %d\n", res.Unseen)
			fmt.Printf("Chunks:        %d (%d failed)\n", res.Chunks, res.FailedChunks)
			fmt.Printf("New records:   %d\n", len(res.Records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "hashtag to classify")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func runCmd() *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest then classify tags once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(tags) == 0 {
				tags = a.cfg.Tags
			}
			if len(tags) == 0 {
				return fmt.Errorf("no tags given and none configured")
			}

			r, err := a.runner(true)
			if err != nil {
				return err
			}
			return r.RunAll(cmd.Context(), tags)
		},
	}

	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "hashtags to run (default: tags from config)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var now, withAPI bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run every configured tag on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(a.cfg.Tags) == 0 {
				return fmt.Errorf("no tags configured")
			}
			r, err := a.runner(true)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			job := func() {
				if err := r.RunAll(ctx, a.cfg.Tags); err != nil {
					a.log.Error().Err(err).Msg("scheduled run had failures")
				}
			}

			s := scheduler.NewScheduler(a.cfg.Location(), a.log)
			if err := s.Schedule(a.cfg.Schedule, job); err != nil {
				return err
			}
			if now {
				job()
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				s.Run(ctx)
				return nil
			})
			if withAPI {
				srv := a.server()
				g.Go(func() error { return srv.Run(ctx) })
			}
			a.log.Info().Str("schedule", a.cfg.Schedule).Strs("tags", a.cfg.Tags).Msg("watching tags")
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before waiting for the schedule")
	cmd.Flags().BoolVar(&withAPI, "api", false, "also serve the dashboard API")
	return cmd
}

func (a *app) server() *api.Server {
	return api.New(api.Options{
		Posts:      a.posts,
		Classified: a.classified,
		Runs:       a.runs,
		Categories: a.cfg.Categories,
		Addr:       a.cfg.API.Addr,
	}, a.log)
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.API.Addr = addr
			}
			return a.server().Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (default: api.addr from config)")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		tag   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if tag != "" {
				tag = tagname.Clean(tag)
			}
			runs, err := a.runs.ListRuns(tag, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			for _, r := range runs {
				fmt.Printf("%s  %s  %-8s %-8s in=%d out=%d failed_chunks=%d",
					r.ID[:8], r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Stage, r.Status, r.Input, r.Output, r.FailedChunks)
				fmt.Printf("  #%s", r.Tag)
				if r.Error != "" {
					fmt.Printf("  error: %s", truncate(r.Error, 60))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "only runs of this hashtag")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs")
	return cmd
}

func topicsCmd() *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Show the topic taxonomy built for a tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.classified.ReadAll(tagname.Clean(tag))
			if err != nil {
				return err
			}
			acc := taxonomy.New()
			acc.Seed(recs)
			snap := acc.Snapshot(a.cfg.Categories)

			cats := make([]string, 0, len(snap))
			for c := range snap {
				cats = append(cats, c)
			}
			sort.Strings(cats)

			for _, c := range cats {
				fmt.Printf("%s\n", c)
				for _, ns := range taxonomy.Namespaces {
					labels := snap[c][ns]
					fmt.Printf("  %s (%d)\n", ns, len(labels))
					for _, l := range labels {
						fmt.Printf("    - %s\n", l)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "hashtag")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag [name]",
		Short: "Print the cleaned storage name of a hashtag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clean := tagname.Clean(args[0])
			if clean == "" {
				return fmt.Errorf("%q has no usable characters", args[0])
			}
			fmt.Println(clean)
			return nil
		},
	}
}

func mirrorCmd() *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Copy the stored collections to the configured lakeFS repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.mirror == nil {
				return fmt.Errorf("no mirror endpoint configured")
			}
			for _, dir := range []string{a.posts.Dir(), a.classified.Dir()} {
				if tag != "" {
					dir = filepath.Join(dir, "tag="+tagname.Clean(tag))
				}
				if err := a.mirror.Sync(cmd.Context(), dir); err != nil {
					return err
				}
				fmt.Printf("Mirrored %s\n", dir)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "only mirror this hashtag")
	return cmd
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
