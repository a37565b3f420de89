// Command binary-cache is a multi-tenant Nix binary cache server with
// chunk-level deduplication.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/config"
	"github.com/wolfeidau/binary-cache/server"
	"github.com/wolfeidau/binary-cache/telemetry"
)

var version = "dev"

type globals struct {
	Config      string `help:"Path to the YAML config file." short:"c" type:"path" env:"BINARY_CACHE_CONFIG"`
	LogLevel    string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat   string `help:"Log format." enum:"text,json" default:"text"`
	OnePassword bool   `help:"Enable the op template function, resolving secrets with the 1Password CLI." name:"op"`
}

func (g *globals) loadConfig(ctx context.Context) (*config.Config, error) {
	var opts []config.LoadOption
	if g.OnePassword {
		opts = append(opts, config.WithOnePassword())
	}
	return config.Load(ctx, g.Config, opts...)
}

type cli struct {
	globals

	Serve     serveCmd     `cmd:"" default:"1" help:"Run the binary cache server."`
	GC        gcCmd        `cmd:"" name:"gc" help:"Run one garbage collection and print the counts."`
	MakeToken makeTokenCmd `cmd:"" help:"Mint a capability token from the configured secret."`
	Version   versionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("binary-cache"),
		kong.Description("Nix binary cache with chunk-level deduplication."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&c.globals, logger))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

type serveCmd struct{}

func (cmd *serveCmd) Run(g *globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := g.loadConfig(ctx)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      cfg.Metrics.ServiceName,
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	srv, err := server.New(ctx, cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = "http://localhost" + srv.Address()
	}
	logger.Info("server started", "address", srv.Address(), "api_endpoint", endpoint)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = srv.Close()
		return err
	}
}

type gcCmd struct{}

func (cmd *gcCmd) Run(g *globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := g.loadConfig(ctx)
	if err != nil {
		return err
	}

	srv, err := server.New(ctx, cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	result, err := srv.GC().RunNow(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("gc finished with %d errors", len(result.Errors))
	}
	return nil
}

// makeTokenCmd takes cache patterns per action, in the style of
// "--push 'team-*' --pull '*'".
type makeTokenCmd struct {
	Sub      string        `help:"Token subject." required:""`
	Validity time.Duration `help:"How long the token is valid." default:"8760h"`

	Pull                    []string `help:"Cache patterns the token may pull from."`
	Push                    []string `help:"Cache patterns the token may push to."`
	Delete                  []string `help:"Cache patterns the token may delete store paths from."`
	CreateCache             []string `help:"Cache patterns the token may create."`
	ConfigureCache          []string `help:"Cache patterns the token may configure."`
	ConfigureCacheRetention []string `help:"Cache patterns whose retention the token may configure."`
	DestroyCache            []string `help:"Cache patterns the token may destroy."`
	Grant                   []string `help:"Extra grants as action:pattern."`
}

func (cmd *makeTokenCmd) grants() ([]auth.Grant, error) {
	byAction := map[auth.Action][]string{
		auth.ActionPull:                    cmd.Pull,
		auth.ActionPush:                    cmd.Push,
		auth.ActionDelete:                  cmd.Delete,
		auth.ActionCreateCache:             cmd.CreateCache,
		auth.ActionConfigureCache:          cmd.ConfigureCache,
		auth.ActionConfigureCacheRetention: cmd.ConfigureCacheRetention,
		auth.ActionDestroyCache:            cmd.DestroyCache,
	}

	var grants []auth.Grant
	for _, action := range auth.AllActions {
		for _, pattern := range byAction[action] {
			grants = append(grants, auth.Grant{Action: action, Cache: pattern})
		}
	}
	for _, s := range cmd.Grant {
		g, err := auth.ParseGrant(s)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if len(grants) == 0 {
		return nil, errors.New("token would carry no grants")
	}
	return grants, nil
}

func (cmd *makeTokenCmd) Run(g *globals) error {
	cfg, err := g.loadConfig(context.Background())
	if err != nil {
		return err
	}
	secret, err := cfg.TokenSecret()
	if err != nil {
		return err
	}
	keyring, err := auth.NewKeyring(secret)
	if err != nil {
		return err
	}

	grants, err := cmd.grants()
	if err != nil {
		return err
	}
	token, err := keyring.Sign(&auth.Token{
		Subject:   cmd.Sub,
		ExpiresAt: time.Now().Add(cmd.Validity),
		Grants:    grants,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

type versionCmd struct{}

func (cmd *versionCmd) Run() error {
	fmt.Println(version)
	return nil
}
