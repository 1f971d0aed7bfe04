package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sentinelqa/sentinel"
	"github.com/sentinelqa/sentinel/internal/browseruse"
	"github.com/sentinelqa/sentinel/internal/hook"
	"github.com/sentinelqa/sentinel/internal/run"
)

func main() {
	var (
		port            = flag.Int("p", 1337, "port used by the http api")
		dbFilename      = flag.String("db", "sentinel.db", "sqlite database file")
		browserUseURL   = flag.String("browser-use-url", browseruse.DefaultBaseURL, "browser-use api base url")
		maxPollDuration = flag.Duration("max-poll-duration", 0, "maximum time to wait for a browser task to finish, 0 waits forever")
	)

	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	options := []sentinel.Option{
		sentinel.WithLogger(log),
		sentinel.WithConfig(sentinel.Config{
			Port:                    *port,
			DatabaseFilename:        *dbFilename,
			BrowserUseBaseURL:       *browserUseURL,
			BrowserUseAPIKey:        os.Getenv("BROWSER_USE_API_KEY"),
			ResendAPIKey:            os.Getenv("RESEND_API_KEY"),
			NotificationFromAddress: os.Getenv("SENTINEL_FROM_ADDRESS"),
			Engine: run.Config{
				PollInterval:    time.Second,
				MaxPollDuration: *maxPollDuration,
			},
		}),
	}

	if esURL := os.Getenv("ELASTICSEARCH_URL"); esURL != "" {
		index := os.Getenv("ELASTICSEARCH_INDEX")
		if index == "" {
			index = "sentinel-runs"
		}

		es, err := hook.NewElasticSearchHook(elasticsearch.Config{Addresses: []string{esURL}}, index, log)
		if err != nil {
			log.Error("configuring elasticsearch hook", "error", err)
			os.Exit(-1)
		}

		options = append(options, sentinel.WithHook(es))
	}

	s := sentinel.New(options...)

	if err := s.Run(); err != nil {
		log.Error(err.Error())
		os.Exit(-1)
	}
}
