// file: cmd/emailsignin/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/dkoosis/emailsignin/internal/config"
	"github.com/dkoosis/emailsignin/internal/logging"
)

// Version information - should be set during build via ldflags.
var (
	Version    = "0.1.0-dev" // Default development version
	commitHash = "unknown"   // Set via ldflags during build
)

// SignInCmd runs the deep-link email sign-in flow.
type SignInCmd struct{}

// PasswordCmd signs in, or links, with email and password.
type PasswordCmd struct {
	Email    string `arg:"positional,required" help:"account email"`
	Password string `arg:"--password,env:EMAILSIGNIN_PASSWORD" help:"password; read from stdin when empty"`
	Link     bool   `arg:"--link" help:"link the credential to the current account instead of signing in"`
}

// ResetCmd sends a password reset email.
type ResetCmd struct {
	Email string `arg:"positional,required" help:"account email"`
}

// SignOutDemoCmd signs in with a password, then signs out, printing the session at each step.
type SignOutDemoCmd struct {
	Email    string `arg:"positional,required" help:"account email"`
	Password string `arg:"--password,env:EMAILSIGNIN_PASSWORD" help:"password; read from stdin when empty"`
}

// PatchManifestCmd injects the deep-link intent filter into the Android manifest.
type PatchManifestCmd struct {
	ProjectDir string `arg:"--project-dir" help:"project root (overrides manifest.project_dir)"`
	Platform   string `arg:"--platform" help:"build target (overrides manifest.platform)"`
	Manifest   string `arg:"--manifest" help:"explicit manifest path; skips the platform check"`
}

// DeliverCmd forwards a deep-link URL handed over by the OS to a running sign-in.
type DeliverCmd struct {
	URL string `arg:"positional,required" help:"callback URL, e.g. com.example.game://localhost/email-sign-in?token=..."`
}

// SetAPIKeyCmd stores the provider API key in the system keyring.
type SetAPIKeyCmd struct {
	Key    string `arg:"positional" help:"API key; read from stdin when empty"`
	Delete bool   `arg:"--delete" help:"remove the stored key instead"`
}

type args struct {
	Config string `arg:"-c,--config" help:"path to configuration file"`
	Debug  bool   `arg:"--debug" help:"enable debug logging"`

	SignIn        *SignInCmd        `arg:"subcommand:signin" help:"sign in through the external email page"`
	Password      *PasswordCmd      `arg:"subcommand:password" help:"sign in with email and password"`
	Reset         *ResetCmd         `arg:"subcommand:reset" help:"send a password reset email"`
	SignOutDemo   *SignOutDemoCmd   `arg:"subcommand:signout-demo" help:"sign in with a password and sign out again"`
	PatchManifest *PatchManifestCmd `arg:"subcommand:patch-manifest" help:"add the sign-in intent filter to AndroidManifest.xml"`
	Deliver       *DeliverCmd       `arg:"subcommand:deliver" help:"hand a callback URL to the running sign-in"`
	SetAPIKey     *SetAPIKeyCmd     `arg:"subcommand:set-api-key" help:"store the provider API key in the system keyring"`
}

func (args) Version() string {
	return fmt.Sprintf("emailsignin %s (%s)", Version, commitHash)
}

func (args) Description() string {
	return "Email sign-in flow: external page, deep-link callback and login state."
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.Load(a.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %+v\n", err)
		os.Exit(1)
	}
	if a.Debug {
		cfg.Log.Level = "debug"
	}
	closer := logging.Setup(cfg.LoggingOptions())
	defer closer.Close()
	logger := logging.GetLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &a, cfg, logger); err != nil {
		logger.Error("Command failed.", "error", fmt.Sprintf("%+v", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *args, cfg *config.Config, logger logging.Logger) error {
	switch {
	case a.SignIn != nil:
		return runSignIn(ctx, cfg, logger)
	case a.Password != nil:
		return runPassword(ctx, cfg, a.Password, logger)
	case a.Reset != nil:
		return runReset(ctx, cfg, a.Reset, logger)
	case a.SignOutDemo != nil:
		return runSignOutDemo(ctx, cfg, a.SignOutDemo, logger)
	case a.PatchManifest != nil:
		return runPatchManifest(cfg, a.PatchManifest, logger)
	case a.Deliver != nil:
		return runDeliver(ctx, cfg, a.Deliver, logger)
	case a.SetAPIKey != nil:
		return runSetAPIKey(a.SetAPIKey, logger)
	}
	return nil
}
