// Package sentinel runs browser based end to end tests against live web
// apps. Tests are natural language evaluations that are executed by a
// remote browser agent; sentinel persists suites, tests and runs, drives
// the agent task lifecycle and notifies on failed suites.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sentinelqa/sentinel/internal/browseruse"
	"github.com/sentinelqa/sentinel/internal/hook"
	"github.com/sentinelqa/sentinel/internal/mail"
	"github.com/sentinelqa/sentinel/internal/run"
	"github.com/sentinelqa/sentinel/internal/storage"

	"github.com/robfig/cron/v3"
)

type Server struct {
	config Config

	log *slog.Logger

	storage *storage.Storage
	tasks   run.TaskClient
	mailer  run.Mailer
	engine  *run.Engine
	hooks   *hook.Manager

	cron       *cron.Cron
	httpServer *http.Server

	// port the http server actually listens on. Differs from config.Port
	// when 0 is configured (random port).
	port int

	events chan event

	// runningWorkflows is waited on during shutdown so in-flight runs can
	// finish their fail-closed handlers.
	runningWorkflows sync.WaitGroup

	started chan struct{}
}

type Config struct {
	// Port of the http api, 0 picks a random free port.
	Port int
	// DatabaseFilename is the sqlite database location. An empty string
	// runs on a throwaway in-memory database.
	DatabaseFilename string

	BrowserUseBaseURL string
	BrowserUseAPIKey  string

	// ResendAPIKey enables failure notification mails when set.
	ResendAPIKey            string
	NotificationFromAddress string

	Engine run.Config
}

type Option func(s *Server)

func WithConfig(c Config) Option {
	return func(s *Server) {
		s.config = c
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithHook(h hook.Hook) Option {
	return func(s *Server) {
		s.hooks.Register(h)
	}
}

// WithTaskClient replaces the browser-use api client, used by tests.
func WithTaskClient(c run.TaskClient) Option {
	return func(s *Server) {
		s.tasks = c
	}
}

// WithMailer replaces the notification mailer, used by tests.
func WithMailer(m run.Mailer) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// New configures a new Sentinel server instance.
func New(opts ...Option) *Server {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s := &Server{
		config: Config{
			Port:              1337,
			BrowserUseBaseURL: browseruse.DefaultBaseURL,
		},
		log:     log,
		hooks:   hook.NewManager(log),
		events:  make(chan event, 100),
		started: make(chan struct{}),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Run starts the server and blocks until the http server stops.
func (s *Server) Run() error {
	db, err := storage.New(s.config.DatabaseFilename, s.log)
	if err != nil {
		return fmt.Errorf("initiating storage: %w", err)
	}
	s.storage = db

	if s.config.BrowserUseBaseURL == "" {
		s.config.BrowserUseBaseURL = browseruse.DefaultBaseURL
	}

	if s.tasks == nil {
		if s.config.BrowserUseAPIKey == "" {
			return fmt.Errorf("browser-use api key is not configured")
		}
		s.tasks = browseruse.New(s.config.BrowserUseBaseURL, s.config.BrowserUseAPIKey, nil)
	}

	if s.mailer == nil && s.config.ResendAPIKey != "" {
		s.mailer = mail.New(s.config.ResendAPIKey, s.config.NotificationFromAddress, s.log)
	}

	if err := s.hooks.Init(); err != nil {
		return err
	}

	s.engine = run.NewEngine(s.storage, s.tasks, s.mailer, s.hooks, s.log, s.config.Engine)

	if err := s.startSchedules(); err != nil {
		return err
	}

	go s.eventLoop()

	return s.runHTTP()
}

// WaitForStartup blocks until the http server accepts connections.
func (s *Server) WaitForStartup() {
	<-s.started
}

// ServerPort returns the port the http server listens on, valid after
// WaitForStartup returned.
func (s *Server) ServerPort() int {
	return s.port
}

// Shutdown stops accepting new runs and waits for in-flight workflows, so
// their fail-closed handlers can reconcile any non-terminal rows.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	close(s.events)
	s.runningWorkflows.Wait()

	return s.storage.Close()
}

type event interface {
	RunID() int
}

type runTestRequested struct {
	testRunID int
}

func (e runTestRequested) RunID() int { return e.testRunID }

type runSuiteRequested struct {
	suiteRunID int
}

func (e runSuiteRequested) RunID() int { return e.suiteRunID }

// eventLoop starts a workflow goroutine per requested run. It should be
// started as a goroutine once; the events channel is closed on shutdown.
func (s *Server) eventLoop() {
	for e := range s.events {
		switch e := e.(type) {
		case runTestRequested:
			s.runningWorkflows.Add(1)
			go func() {
				defer s.runningWorkflows.Done()
				if err := s.engine.RunTest(context.Background(), e.testRunID); err != nil {
					s.log.Error("test run failed", "test-run-id", e.testRunID, "error", err)
				}
			}()
		case runSuiteRequested:
			s.runningWorkflows.Add(1)
			go func() {
				defer s.runningWorkflows.Done()
				if err := s.engine.RunSuite(context.Background(), e.suiteRunID); err != nil {
					s.log.Error("suite run failed", "suite-run-id", e.suiteRunID, "error", err)
				}
			}()
		default:
			s.log.Warn("could not handle event", "event", fmt.Sprintf("%T", e), "run-id", e.RunID())
		}
	}
}

func (s *Server) runHTTP() error {
	listener, err := net.Listen("tcp", "localhost:"+strconv.Itoa(s.config.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.config.Port, err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server started", "port", s.port)
	close(s.started)

	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return err
	}

	return nil
}
