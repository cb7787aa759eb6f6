// file: cmd/emailsignin/app.go
package main

import (
	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/config"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/focus"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/dkoosis/emailsignin/internal/provider"
	"github.com/dkoosis/emailsignin/internal/session"
	"github.com/dkoosis/emailsignin/internal/signin"
)

// app holds the wired runtime components of one command.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	client   *provider.IdentityClient
	session  *session.Manager
	hub      *deeplink.Hub
	watcher  *focus.Watcher
	server   *deeplink.Server // nil unless deeplink.listen_addr is set
	service  *signin.Service
	redirect string
}

// newApp builds every runtime component from cfg. The callback server, when
// configured, is started so its URL can serve as the redirect.
func newApp(cfg *config.Config, logger logging.Logger) (*app, error) {
	return wireApp(cfg, deeplink.NewBrowserDispatcher(logger), logger)
}

func wireApp(cfg *config.Config, dispatcher deeplink.Dispatcher, logger logging.Logger) (*app, error) {
	if err := cfg.ValidateRuntime(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	client, err := provider.NewIdentityClient(provider.ClientOptions{
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
		TokenURL: cfg.Provider.TokenURL,
		Timeout:  cfg.Provider.Timeout,
		RetryMax: cfg.Provider.RetryMax,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		session:  session.NewManager(client, logger),
		hub:      deeplink.NewHub(logger),
		watcher:  focus.NewWatcher(logger),
		redirect: cfg.RedirectURI(),
	}

	if cfg.DeepLink.ListenAddr != "" {
		a.server = deeplink.NewServer(a.hub, deeplink.ServerOptions{
			Addr: cfg.DeepLink.ListenAddr,
			Path: cfg.DeepLink.Path,
		}, logger)
		if err := a.server.Start(); err != nil {
			return nil, err
		}
		a.redirect = a.server.URL()
	}

	a.service, err = signin.New(signin.Deps{
		Session:    a.session,
		Provider:   client,
		Dispatcher: dispatcher,
		Listener:   a.hub,
		Focus:      a.watcher,
		Logger:     logger,
	}, signin.Options{
		SignInPageURL: cfg.DeepLink.SignInPageURL,
		RedirectURI:   a.redirect,
		FlowTimeout:   cfg.Flow.Timeout,
		QueueSize:     cfg.Flow.QueueSize,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
