// Package session wires the feed store, the push transport and the fallback
// poller together for one credential.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cargoline/opsdash/internal/auth"
	"github.com/cargoline/opsdash/internal/config"
	"github.com/cargoline/opsdash/internal/fallback"
	"github.com/cargoline/opsdash/internal/feed"
	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/metrics"
	"github.com/cargoline/opsdash/internal/notifications"
	"github.com/cargoline/opsdash/internal/push"
)

// Options holds everything a session needs apart from the credential.
type Options struct {
	APIBaseURL    string
	PushURL       string
	PushAuthParam string

	FallbackGrace    time.Duration
	FallbackInterval time.Duration
	Backoff          push.Backoff

	HTTPClient *http.Client
	Sink       feed.Sink
	Logger     *logger.Logger
}

// OptionsFromConfig maps the application config onto session options.
func OptionsFromConfig(cfg *config.Config, sink feed.Sink, log *logger.Logger) Options {
	backoff := push.DefaultBackoff()
	backoff.Initial = cfg.ReconnectInitialDelay
	backoff.Max = cfg.ReconnectMaxDelay
	backoff.Jitter = cfg.ReconnectJitter

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.LogLevel == "debug" && log != nil {
		httpClient.Transport = &notifications.LoggingTransport{Logger: log.WithComponent("notifications-http")}
	}

	return Options{
		APIBaseURL:       cfg.APIBaseURL,
		PushURL:          cfg.PushURL,
		PushAuthParam:    cfg.PushAuthParam,
		FallbackGrace:    cfg.FallbackGrace,
		FallbackInterval: cfg.FallbackInterval,
		Backoff:          backoff,
		HTTPClient:       httpClient,
		Sink:             sink,
		Logger:           log,
	}
}

// Session is the sync state for one credential. Create it with Bootstrap and
// release it with Teardown.
type Session struct {
	ID string

	store     *feed.Store
	transport *push.Transport
	poller    *fallback.Poller
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders handler callbacks against Teardown.
	mu                sync.Mutex
	closing           bool
	disconnectedSince time.Time

	teardownOnce sync.Once
}

// Bootstrap starts syncing for credential: a full fetch first, then the push
// channel. It returns immediately; the work continues in the background.
func Bootstrap(ctx context.Context, opts Options, credential string) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.FallbackGrace <= 0 {
		opts.FallbackGrace = config.DefaultFallbackGrace
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = config.DefaultFallbackInterval
	}

	id := logger.GenerateRequestID()
	ctx = logger.WithSessionID(context.WithoutCancel(ctx), id)

	identity, err := auth.InspectCredential(credential)
	if identity.Subject != "" {
		ctx = logger.WithSubject(ctx, identity.Subject)
	}
	log := opts.Logger.WithComponent("session").WithContext(ctx)
	if errors.Is(err, auth.ErrExpiredToken) {
		log.Warn("credential has expired, requests will likely be rejected",
			slog.Time("expired_at", *identity.ExpiresAt))
	}

	ctx, cancel := context.WithCancel(ctx)

	client := notifications.NewClient(opts.APIBaseURL, credential, opts.HTTPClient, opts.Logger)

	s := &Session{
		ID:                id,
		logger:            log,
		ctx:               ctx,
		cancel:            cancel,
		disconnectedSince: time.Now(),
	}
	s.store = feed.New(client, feed.Options{Logger: opts.Logger, Sink: opts.Sink})
	s.poller = fallback.NewPoller(opts.FallbackGrace, opts.FallbackInterval, s.poll, opts.Logger)
	s.transport = push.New(push.Config{
		URL:       opts.PushURL,
		Token:     credential,
		AuthParam: opts.PushAuthParam,
		Backoff:   opts.Backoff,
	}, s, opts.Logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// A failed fetch is recovered by the incremental load on connect.
		_ = log.LogOperation(ctx, "bootstrap_refresh", func() error {
			return s.store.Refresh(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		s.transport.Start()
	}()

	log.Info("notification session started")
	return s
}

// Store returns the session's feed store.
func (s *Session) Store() *feed.Store {
	return s.store
}

// DisconnectedFor returns how long the push channel has been down, or zero
// while it is connected.
func (s *Session) DisconnectedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnectedSince.IsZero() {
		return 0
	}
	return time.Since(s.disconnectedSince)
}

// Teardown stops polling, closes the push channel, cancels outstanding
// requests and clears the store, in that order. After it returns nothing from
// this session runs. Safe to call more than once.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.poller.Stop()
		s.transport.Close()
		s.cancel()
		s.wg.Wait()
		s.store.Close()

		s.logger.Info("notification session torn down")
	})
}

// OnConnect stops fallback polling and catches up on anything missed while
// disconnected.
func (s *Session) OnConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}

	s.disconnectedSince = time.Time{}
	s.store.SetConnected(true)
	s.poller.Stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := logger.WithOperation(s.ctx, "reconnect_resync")
		if err := s.store.LoadIncremental(ctx, s.store.Watermark()); err != nil && ctx.Err() == nil {
			s.logger.Warn("resync after reconnect failed", slog.String("error", err.Error()))
		}
	}()
}

// OnDisconnect schedules fallback polling. Repeated calls while already
// disconnected leave the schedule alone.
func (s *Session) OnDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}

	if s.disconnectedSince.IsZero() {
		s.disconnectedSince = time.Now()
		s.logger.Warn("push channel lost", slog.String("error", errorString(err)))
	}
	s.store.SetConnected(false)
	s.poller.Start()
}

// OnNotification merges a pushed notification.
func (s *Session) OnNotification(data []byte) {
	s.store.ApplyPush(data)
}

func (s *Session) poll(ctx context.Context) error {
	err := s.store.LoadIncremental(ctx, s.store.Watermark())
	if err != nil {
		metrics.PollTicks.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	metrics.PollTicks.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
