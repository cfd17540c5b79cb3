package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/pubsub"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/connectors"
	"github.com/flexli/flexli/internal/continuation"
	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/queue"
	"github.com/flexli/flexli/internal/secrets"
	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/internal/validation"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store         *store.LibSQLStore
	validator     *validation.WorkflowValidator
	evaluator     *conditions.Evaluator
	resolver      *expressions.Resolver
	registry      *actions.Registry
	publisher     *queue.Publisher
	launcher      *engine.Launcher
	runner        *engine.Runner
	continuations *continuation.BlobStore
	delay         queue.DelayQueue

	closers []func() error
}

// appOptions selects optional wiring.
type appOptions struct {
	// inline runs long waits in place instead of suspending them.
	inline bool
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.NewLibSQLStore(dsn(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if a.evaluator, err = conditions.NewEvaluator(logger); err != nil {
		return nil, err
	}
	a.resolver = expressions.NewResolver()

	runs, err := queue.OpenTopic(ctx, cfg.RunQueueURL)
	if err != nil {
		return nil, err
	}
	events, err := queue.OpenTopic(ctx, cfg.EventQueueURL)
	if err != nil {
		return nil, err
	}
	a.publisher = queue.NewPublisher(runs, events)
	a.onClose(func() error { return a.publisher.Shutdown(context.Background()) })

	a.registry = actions.NewRegistry()
	if err = actions.RegisterBuiltins(a.registry, actions.Deps{
		Store:         a.store,
		Runs:          a.publisher,
		Events:        a.publisher,
		Conditions:    a.evaluator,
		WaitThreshold: cfg.WaitThreshold,
		Logger:        logger,
	}); err != nil {
		return nil, err
	}
	if a.validator, err = validation.NewWorkflowValidator(a.registry); err != nil {
		return nil, err
	}

	vault, err := openVault(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := connectors.NewClient(
		connectors.Config{Timeout: cfg.ConnectorTimeout, UserAgent: "flexli"},
		connectors.NewCache(a.store, cfg.ConnectorCacheTTL, cfg.ConnectorCacheSize),
		connectors.NewAuthenticator(vault, &http.Client{Timeout: cfg.ConnectorTimeout}),
		a.validator,
		logger,
	)

	a.launcher = engine.NewLauncher(a.store, a.publisher, a.evaluator, a.resolver, nil)

	runnerCfg := engine.Config{
		Store:      a.store,
		Builtins:   a.registry,
		Connectors: client,
		Conditions: a.evaluator,
		Resolver:   a.resolver,
		Logger:     logger,
	}
	if !opts.inline {
		if a.continuations, err = continuation.Open(ctx, cfg.ContinuationBucketURL, continuation.DefaultPrefix); err != nil {
			return nil, err
		}
		a.onClose(a.continuations.Close)
		a.delay = openDelayQueue(cfg, a)
		runnerCfg.Continuations = a.continuations
		runnerCfg.Wakeups = a.delay
	}
	if a.runner, err = engine.NewRunner(runnerCfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// subscribe opens a subscription that is shut down with the app.
func (a *app) subscribe(ctx context.Context, url string) (*pubsub.Subscription, error) {
	sub, err := queue.OpenSubscription(ctx, url)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { return sub.Shutdown(context.Background()) })
	return sub, nil
}

// dsn turns a bare path into a libSQL file URI.
func dsn(path string) string {
	if strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

func openDelayQueue(cfg *Config, a *app) queue.DelayQueue {
	if cfg.RedisAddr == "" {
		return queue.NewMemoryDelayQueue()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	a.onClose(client.Close)
	return queue.NewRedisDelayQueue(client, queue.DefaultDelayKey)
}

// openVault picks the credential vault: a Go CDK keeper URL, a raw key, or
// a passphrase. No setting means connectors cannot carry credentials.
func openVault(ctx context.Context, cfg *Config) (secrets.Vault, error) {
	switch {
	case cfg.VaultURL != "":
		return secrets.OpenKeeperVault(ctx, cfg.VaultURL)
	case cfg.VaultKey != "":
		key, err := base64.StdEncoding.DecodeString(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("vault_key is not base64: %w", err)
		}
		return secrets.NewAESVault(secrets.VaultConfig{MasterKey: key})
	case cfg.VaultPassphrase != "":
		return secrets.NewAESVault(secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
	}
	return nil, nil
}
