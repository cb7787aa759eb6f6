// file: cmd/emailsignin/commands.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/config"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/dkoosis/emailsignin/internal/login"
	"github.com/dkoosis/emailsignin/internal/manifest"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// runSignIn drives the deep-link flow. The console stands in for the host
// window: an empty line means "focus regained", a pasted URL is delivered as
// the deep-link callback.
func runSignIn(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.service.Dispose()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	states, stopWatch := a.service.Watch()
	defer stopWatch()

	if a.server != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	go readConsole(gctx, os.Stdin, a, logger)

	fmt.Printf("Opening the sign-in page. Callback: %s\n", a.redirect)
	fmt.Println("Finish in the browser, then press Enter here (or paste the callback URL).")
	if err := a.service.TryToSignIn(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		defer cancel()
		snap, err := awaitTerminal(gctx, states)
		if err != nil {
			return err
		}
		return reportState(snap)
	})
	return g.Wait()
}

// readConsole turns console lines into host events until ctx ends. An empty
// line reports the round trip to the browser: focus lost, then regained.
func readConsole(ctx context.Context, r io.Reader, a *app, logger logging.Logger) {
	logger = logging.OrNoop(logger)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			a.watcher.Notify(false)
			a.watcher.Notify(true)
			continue
		}
		if _, err := a.hub.DeliverURL(line); err != nil {
			logger.Warn("Ignoring console input that is not a callback URL.", "error", err)
		}
	}
}

func awaitTerminal(ctx context.Context, states <-chan login.Snapshot) (login.Snapshot, error) {
	for {
		select {
		case snap := <-states:
			if snap.IsTerminal() {
				return snap, nil
			}
		case <-ctx.Done():
			return login.Snapshot{}, ctx.Err()
		}
	}
}

func reportState(snap login.Snapshot) error {
	fmt.Printf("Login state: %s\n", snap)
	if snap.State == login.StateError {
		return errors.Newf("sign-in ended with %s", snap.Outcome)
	}
	return nil
}

func runPassword(ctx context.Context, cfg *config.Config, cmd *PasswordCmd, logger logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.service.Dispose()

	password, err := passwordOrPrompt(cmd.Password)
	if err != nil {
		return err
	}
	if err := a.service.TryToSignInWithPassword(ctx, cmd.Email, password, cmd.Link); err != nil {
		return err
	}

	snap := a.service.State()
	if snap.State == login.StateError {
		return reportState(snap)
	}
	if u := a.session.User(); u != nil {
		fmt.Printf("Signed in as %s (%s). Providers: %s\n", u.Email, u.ID, a.session.Authorized())
		return nil
	}
	fmt.Printf("Login state: %s\n", snap)
	return nil
}

func runReset(ctx context.Context, cfg *config.Config, cmd *ResetCmd, logger logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.service.Dispose()

	if err := a.service.SendPasswordResetEmail(ctx, cmd.Email); err != nil {
		return err
	}
	fmt.Printf("Password reset email sent to %s.\n", cmd.Email)
	return nil
}

func runSignOutDemo(ctx context.Context, cfg *config.Config, cmd *SignOutDemoCmd, logger logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.service.Dispose()

	password, err := passwordOrPrompt(cmd.Password)
	if err != nil {
		return err
	}
	if err := a.service.TryToSignInWithPassword(ctx, cmd.Email, password, false); err != nil {
		return err
	}
	fmt.Printf("After sign-in: providers=%s state=%s\n", a.session.Authorized(), a.service.State())

	a.service.SignOut()
	fmt.Printf("After sign-out: providers=%s current_user=%t\n", a.session.Authorized(), a.client.CurrentUser() != nil)
	return nil
}

func runPatchManifest(cfg *config.Config, cmd *PatchManifestCmd, logger logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	filter := manifest.IntentFilter{
		Scheme: cfg.Scheme(),
		Host:   cfg.DeepLink.Host,
		Path:   cfg.DeepLink.Path,
	}

	var (
		res     manifest.Result
		skipped bool
		err     error
	)
	if cmd.Manifest != "" {
		res, err = manifest.Patch(cmd.Manifest, filter, logger)
	} else {
		projectDir := firstNonEmpty(cmd.ProjectDir, cfg.Manifest.ProjectDir)
		platform := firstNonEmpty(cmd.Platform, cfg.Manifest.Platform)
		res, skipped, err = manifest.PatchProject(platform, projectDir, filter, logger)
	}
	if err != nil {
		return err
	}

	switch {
	case skipped:
		fmt.Println("Not an Android build, manifest left untouched.")
	case res.Inserted:
		fmt.Printf("Added %s intent filter to %s.\n", filter.Scheme, filepath.Clean(res.Path))
	default:
		fmt.Printf("%s already contains the intent filter.\n", filepath.Clean(res.Path))
	}
	return nil
}

// runDeliver relays a custom-scheme callback, as handed over by the OS, to
// the loopback server of the running sign-in.
func runDeliver(ctx context.Context, cfg *config.Config, cmd *DeliverCmd, logger logging.Logger) error {
	if cfg.DeepLink.ListenAddr == "" {
		return errors.New("deeplink.listen_addr must be set to deliver callbacks to a running sign-in")
	}
	target, err := loopbackURL(cmd.URL, cfg.DeepLink.ListenAddr, cfg.DeepLink.Path)
	if err != nil {
		return err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = logging.OrNoop(logger)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build delivery request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to reach the running sign-in")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("running sign-in rejected the callback: %s", resp.Status)
	}
	fmt.Println("Callback delivered.")
	return nil
}

// loopbackURL rewrites a deep-link callback onto the loopback server,
// keeping its query.
func loopbackURL(raw, addr, path string) (string, error) {
	src, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrap(err, "invalid callback URL")
	}
	dst, err := url.Parse(deeplink.RedirectURI("http", addr, path))
	if err != nil {
		return "", errors.Wrap(err, "invalid loopback address")
	}
	dst.RawQuery = src.RawQuery
	return dst.String(), nil
}

func runSetAPIKey(cmd *SetAPIKeyCmd, logger logging.Logger) error {
	if cmd.Delete {
		if err := config.DeleteAPIKey(logger); err != nil {
			return err
		}
		fmt.Println("API key removed from the system keyring.")
		return nil
	}
	key := cmd.Key
	if key == "" {
		var err error
		if key, err = readLine(os.Stdin, "API key: "); err != nil {
			return err
		}
	}
	if err := config.StoreAPIKey(key, logger); err != nil {
		return err
	}
	fmt.Println("API key stored in the system keyring.")
	return nil
}

func passwordOrPrompt(password string) (string, error) {
	if password != "" {
		return password, nil
	}
	return readLine(os.Stdin, "Password: ")
}

func readLine(r io.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "failed to read from stdin")
	}
	return strings.TrimSpace(line), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
