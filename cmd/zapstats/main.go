// Command zapstats connects to a set of relays, loads the stored zap receipts
// of one note and prints the aggregated view as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"zapflow/config"
	"zapflow/internal/accumulator"
	"zapflow/internal/noteid"
	"zapflow/internal/receipt"
	"zapflow/internal/relay"
	"zapflow/internal/session"
	"zapflow/internal/subscription"
	"zapflow/logger"
	"zapflow/models"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Optional configuration file")
	note := flag.String("note", "", "Note id (64-hex or note1...)")
	relays := flag.String("relays", "", "Comma separated relay urls; defaults to the configured relays")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	// keep stdout for the JSON view
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	urls := cfg.Relays.URLs
	if *relays != "" {
		urls = strings.Split(*relays, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relays.OverallTimeout+cfg.Query.HistoricalTimeout+5*time.Second)
	defer cancel()

	view, err := run(ctx, cfg, *note, urls, log)
	if err != nil && !errors.Is(err, session.ErrNoRelays) {
		fmt.Fprintln(os.Stderr, "zapstats:", err)
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(view); encErr != nil {
		fmt.Fprintln(os.Stderr, "zapstats:", encErr)
		os.Exit(1)
	}
	if err != nil {
		os.Exit(3)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Logging.Level = "warn"
		return &cfg, nil
	}
	return config.LoadConfig(path)
}

func run(ctx context.Context, cfg *config.Config, note string, urls []string, log *logger.Log) (session.View, error) {
	view := session.View{NoteID: note, Payments: []models.PaymentRecord{}}

	hexID, err := noteid.Normalize(note)
	if err != nil {
		view.Error = "invalid note id"
		return view, fmt.Errorf("%w: %q", session.ErrInvalidNoteID, note)
	}
	view.NoteID = hexID

	pool := relay.NewPool(relay.Options{
		ConnectTimeout: cfg.Relays.ConnectTimeout,
		OverallTimeout: cfg.Relays.OverallTimeout,
	}, log)
	defer pool.Disconnect()

	if err := pool.Connect(ctx, urls); err != nil {
		return view, err
	}

	engine := subscription.New(pool, log)
	filter := models.ZapFilter(hexID, cfg.Query.HistoricalWindow, cfg.Query.HistoricalLimit, time.Now())
	events := engine.HistoricalFetch(ctx, filter, cfg.Query.HistoricalTimeout)

	parser := receipt.NewParser(nil, log)
	acc := accumulator.New(accumulator.WithDedupWindow(cfg.Accumulator.DedupWindow))
	for _, evt := range events {
		if rec, ok := parser.Parse(evt); ok {
			acc.Ingest(rec)
		}
	}

	view.Payments = acc.Records()
	view.Stats = acc.Stats()
	view.Relays = pool.Status()
	if len(pool.ConnectedURLs()) == 0 {
		view.Error = session.ErrNoRelays.Error()
		return view, session.ErrNoRelays
	}
	return view, nil
}
