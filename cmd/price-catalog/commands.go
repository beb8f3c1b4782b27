package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v4"
	"github.com/zombor/price-catalog/internal/catalog"
	"github.com/zombor/price-catalog/internal/product"
)

// rootConfig holds the flags shared by every subcommand.
type rootConfig struct {
	dbPath          *string
	storeType       *string
	redisAddr       *string
	redisPassword   *string
	redisDB         *int
	synonymsDir     *string
	locale          *string
	wholeWord       *bool
	window          *int
	defaultCurrency *string
	verbose         *bool
	showVersion     *bool
}

func newRootCommand(stdout io.Writer) *ff.Command {
	fs := ff.NewFlagSet("price-catalog")
	cfg := &rootConfig{
		dbPath:          fs.StringLong("db", "price-catalog.db", "Database file path (bolt store)"),
		storeType:       fs.StringLong("store", "bolt", "Store type: 'bolt' or 'redis'"),
		redisAddr:       fs.StringLong("redis-addr", "localhost:6379", "Redis address"),
		redisPassword:   fs.StringLong("redis-password", "", "Redis password"),
		redisDB:         fs.IntLong("redis-db", 0, "Redis database number"),
		synonymsDir:     fs.StringLong("synonyms-dir", "", "Directory of <locale>.yaml synonym tables (built-in table if empty)"),
		locale:          fs.StringLong("locale", "fr-CD", "Synonym table locale"),
		wholeWord:       fs.BoolLong("whole-word", "Match synonyms on whole words only"),
		window:          fs.IntLong("window", catalog.DefaultWindow, "Price observations kept per item"),
		defaultCurrency: fs.StringLong("default-currency", string(catalog.USD), "Currency for receipts without a supported one (USD or CDF)"),
		verbose:         fs.BoolLong("verbose", "Enable debug logging"),
		showVersion:     fs.BoolLong("version", "Show version information"),
	}

	root := &ff.Command{
		Name:      "price-catalog",
		Usage:     "price-catalog [FLAGS] <SUBCOMMAND>",
		ShortHelp: "per-user price catalogs built from receipt line items",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *cfg.showVersion {
				fmt.Fprintln(stdout, version)
				return nil
			}
			return ff.ErrNoExec
		},
	}
	root.Subcommands = []*ff.Command{
		newServeCommand(cfg, fs),
		newRebuildCommand(cfg, fs, stdout),
		newCommunityCommand(cfg, fs, stdout),
		newCanonicalizeCommand(cfg, fs, stdout),
	}
	return root
}

func (c *rootConfig) setupLogging() {
	level := slog.LevelInfo
	if *c.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (c *rootConfig) openDB() (catalog.DB, error) {
	switch *c.storeType {
	case "bolt":
		slog.Info("Initializing database...", "path", *c.dbPath)
		return catalog.NewBoltDB(*c.dbPath)
	case "redis":
		slog.Info("Connecting to redis...", "address", *c.redisAddr, "db", *c.redisDB)
		return catalog.NewRedisStore(catalog.RedisConfig{
			Addr:     *c.redisAddr,
			Password: *c.redisPassword,
			DB:       *c.redisDB,
		})
	default:
		return nil, fmt.Errorf("invalid store type %q: want bolt or redis", *c.storeType)
	}
}

func (c *rootConfig) loadTable() (*product.SynonymTable, error) {
	if *c.synonymsDir == "" {
		return product.DefaultSynonymTable(), nil
	}
	dir, err := product.NewTableDir(*c.synonymsDir)
	if err != nil {
		return nil, err
	}
	table, err := dir.Load(*c.locale)
	if err != nil {
		return nil, fmt.Errorf("loading %s synonyms: %w", *c.locale, err)
	}
	slog.Info("Loaded synonym table", "locale", table.Locale(), "entries", table.Len())
	return table, nil
}

func (c *rootConfig) canonicalizer() (*product.Canonicalizer, error) {
	table, err := c.loadTable()
	if err != nil {
		return nil, err
	}
	var opts []product.Option
	if *c.wholeWord {
		opts = append(opts, product.WithWholeWord())
	}
	return product.NewCanonicalizer(table, opts...), nil
}

func (c *rootConfig) pipeline() (*catalog.Pipeline, error) {
	canonicalizer, err := c.canonicalizer()
	if err != nil {
		return nil, err
	}
	currency, ok := catalog.ParseCurrency(*c.defaultCurrency)
	if !ok {
		return nil, fmt.Errorf("unsupported default currency %q", *c.defaultCurrency)
	}
	return catalog.NewPipeline(canonicalizer, currency), nil
}

// service opens the store and wires the catalog service. The caller closes
// the returned DB.
func (c *rootConfig) service() (*catalog.Service, catalog.DB, error) {
	pipeline, err := c.pipeline()
	if err != nil {
		return nil, nil, err
	}
	db, err := c.openDB()
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}
	return catalog.NewService(db, pipeline, *c.window), db, nil
}

func newServeCommand(cfg *rootConfig, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(parent)
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		timeout     = fs.DurationLong("community-timeout", catalog.DefaultCommunityTimeout, "Per-user read timeout for the community view")
		maxItems    = fs.IntLong("community-max-items", catalog.DefaultCommunityMaxItems, "Records scanned per community query")
		concurrency = fs.IntLong("community-concurrency", catalog.DefaultCommunityConcurrency, "Users read in parallel for the community view")
	)
	return &ff.Command{
		Name:      "serve",
		Usage:     "price-catalog serve [FLAGS]",
		ShortHelp: "run the HTTP API",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.setupLogging()
			service, db, err := cfg.service()
			if err != nil {
				return err
			}
			defer db.Close()

			community := service.Community()
			community.Timeout = *timeout
			community.MaxItems = *maxItems
			community.Concurrency = *concurrency

			server := catalog.NewServer(service, catalog.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			})

			addr := fmt.Sprintf(":%d", *port)
			errc := make(chan error, 1)
			go func() {
				errc <- server.Start(addr)
			}()

			slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}

			select {
			case err := <-errc:
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}
			slog.Info("Shutting down...")
			return nil
		},
	}
}

func newRebuildCommand(cfg *rootConfig, parent *ff.FlagSet, stdout io.Writer) *ff.Command {
	fs := ff.NewFlagSet("rebuild").SetParent(parent)
	userID := fs.StringLong("user", "", "User whose catalog is rebuilt")
	return &ff.Command{
		Name:      "rebuild",
		Usage:     "price-catalog rebuild --user ID",
		ShortHelp: "recompute a user's catalog from stored receipts",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.setupLogging()
			if *userID == "" {
				return fmt.Errorf("--user is required")
			}
			service, db, err := cfg.service()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := service.Rebuild(ctx, *userID)
			fmt.Fprintf(stdout, "receipts: %d\nitems: %d\nwritten: %d\nfailed: %d\nbatches: %d\n",
				result.ReceiptsProcessed, result.ItemsCount, result.ItemsWritten, result.ItemsFailed, result.Batches)
			return err
		},
	}
}

func newCommunityCommand(cfg *rootConfig, parent *ff.FlagSet, stdout io.Writer) *ff.Command {
	fs := ff.NewFlagSet("community").SetParent(parent)
	var (
		locality = fs.StringLong("locality", "", "Locality to merge")
		asJSON   = fs.BoolLong("json", "Print JSON instead of a table")
	)
	return &ff.Command{
		Name:      "community",
		Usage:     "price-catalog community --locality NAME",
		ShortHelp: "print the merged catalog of a locality",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.setupLogging()
			if *locality == "" {
				return fmt.Errorf("--locality is required")
			}
			service, db, err := cfg.service()
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := service.CommunityItems(ctx, *locality)
			if err != nil {
				return err
			}
			if *asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			return printMergedItems(stdout, items)
		},
	}
}

func printMergedItems(w io.Writer, items []catalog.MergedItem) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tAVG\tMIN\tMAX\tSTORES\tUSERS\tLAST PURCHASE")
	for _, it := range items {
		last := ""
		if !it.LastPurchaseDate.IsZero() {
			last = it.LastPurchaseDate.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			it.Key,
			it.Name,
			catalog.FormatPrice(it.AvgPrice, it.Currency),
			catalog.FormatPrice(it.MinPrice, it.Currency),
			catalog.FormatPrice(it.MaxPrice, it.Currency),
			it.StoreCount,
			it.UserCount,
			last,
		)
	}
	return tw.Flush()
}

func newCanonicalizeCommand(cfg *rootConfig, parent *ff.FlagSet, stdout io.Writer) *ff.Command {
	fs := ff.NewFlagSet("canonicalize").SetParent(parent)
	return &ff.Command{
		Name:      "canonicalize",
		Usage:     "price-catalog canonicalize NAME...",
		ShortHelp: "show how raw line-item names resolve",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			cfg.setupLogging()
			if len(args) == 0 {
				return fmt.Errorf("at least one name is required")
			}
			canonicalizer, err := cfg.canonicalizer()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RAW\tNORMALIZED\tKEY\tMATCHED\tVALID")
			for _, raw := range args {
				res := canonicalizer.Resolve(raw)
				valid := "yes"
				if reason := product.Validate(raw, res.Normalized); reason != product.ReasonNone {
					valid = string(reason)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", strings.TrimSpace(raw), res.Normalized, res.Key, res.Matched, valid)
			}
			return tw.Flush()
		},
	}
}
