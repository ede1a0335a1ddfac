package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/shruggr/dictcache/dictcache"
	"github.com/shruggr/dictcache/snapshot"
)

const usage = `Usage: dictcache [flags] <command> [args]

Commands:
  load    [-name N] [-stamp S] FILE.json   fill the cache from a JSON dictionary
  lookup  -name N OUTLINE                  print the translation of an outline
  reverse [-fold] -name N TEXT             print the outlines for a translation
  stats   -name N                          print entry count and longest outline
  list                                     list cached dictionaries
  compact                                  reclaim space from replaced snapshots

Flags:
`

func main() {
	backend := flag.String("backend", "sqlite", "Storage backend: sqlite, badger or memory")
	path := flag.String("path", "dictcache.sqlite3", "SQLite file or BadgerDB directory")
	headerCache := flag.Int("header-cache", 64, "Number of snapshot headers kept in memory (0 disables)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := dictcache.Open(ctx, &dictcache.Config{
		Backend:         dictcache.Backend(*backend),
		Path:            *path,
		HeaderCacheSize: *headerCache,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}
	defer store.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "load":
		err = runLoad(ctx, store, logger, args)
	case "lookup":
		err = runLookup(ctx, store, args)
	case "reverse":
		err = runReverse(ctx, store, args)
	case "stats":
		err = runStats(ctx, store, args)
	case "list":
		err = runList(ctx, store)
	case "compact":
		err = store.Compact(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logger.Error("Command failed", "command", cmd, "error", err)
		store.Close()
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runLoad fills the cache from a flat JSON object of outline → translation,
// skipping the parse when the cached snapshot is still fresh
func runLoad(ctx context.Context, store *dictcache.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	name := fs.String("name", "", "Dictionary name (defaults to the absolute file path)")
	stamp := fs.String("stamp", "", "Freshness stamp (defaults to the file modification time)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("load needs exactly one file")
	}
	file := fs.Arg(0)

	info, err := os.Stat(file)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}
	if *name == "" {
		if *name, err = filepath.Abs(file); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", file, err)
		}
	}
	s := snapshot.Stamp(*stamp)
	if s == "" {
		s = snapshot.StampFromTime(info.ModTime())
	}

	d, err := store.GetDictionary(ctx, *name, s)
	if err != nil {
		return err
	}
	if !d.ShouldBeFilled() {
		logger.Info("Dictionary is up to date", "name", *name, "entries", d.Len())
		return nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}

	pairs := make([]snapshot.Pair, 0, len(entries))
	for k, v := range entries {
		pairs = append(pairs, snapshot.Pair{Key: k, Value: v})
	}
	if err := d.Update(ctx, pairs); err != nil {
		return err
	}

	logger.Info("Dictionary cached", "name", *name, "entries", d.Len(), "longest", d.LongestKeyLength())
	return nil
}

// openCached opens the dictionary stored under name at whatever stamp it was
// cached with, so read-only commands never invalidate it
func openCached(ctx context.Context, store *dictcache.Store, name string) (*dictcache.Dictionary, error) {
	headers, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	i := slices.IndexFunc(headers, func(h *snapshot.Header) bool { return h.Name == name })
	if i < 0 {
		return nil, fmt.Errorf("dictionary %q: %w", name, dictcache.ErrNotFound)
	}

	return store.GetDictionary(ctx, name, headers[i].Stamp)
}

func runLookup(ctx context.Context, store *dictcache.Store, args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	name := fs.String("name", "", "Dictionary name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("lookup needs exactly one outline")
	}

	d, err := openCached(ctx, store, *name)
	if err != nil {
		return err
	}

	v, err := d.Value(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runReverse(ctx context.Context, store *dictcache.Store, args []string) error {
	fs := flag.NewFlagSet("reverse", flag.ContinueOnError)
	name := fs.String("name", "", "Dictionary name")
	fold := fs.Bool("fold", false, "Ignore case")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("reverse needs exactly one translation")
	}

	d, err := openCached(ctx, store, *name)
	if err != nil {
		return err
	}

	lookup := d.ReverseLookup
	if *fold {
		lookup = d.CaseReverseLookup
	}
	keys, err := lookup(fs.Arg(0))
	if err != nil {
		return err
	}

	slices.Sort(keys)
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runStats(ctx context.Context, store *dictcache.Store, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	name := fs.String("name", "", "Dictionary name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := openCached(ctx, store, *name)
	if err != nil {
		return err
	}

	fmt.Printf("name:    %s\nstamp:   %s\nentries: %d\nlongest: %d\n",
		d.Name(), d.Stamp(), d.Len(), d.LongestKeyLength())
	return nil
}

func runList(ctx context.Context, store *dictcache.Store) error {
	headers, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, h := range headers {
		fmt.Printf("%d\t%s\t%s\n", h.ID, h.Stamp, h.Name)
	}
	return nil
}
