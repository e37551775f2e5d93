package runtime

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/InsulaLabs/onvm/internal/config"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/origin"
	"github.com/InsulaLabs/onvm/internal/resolver"
	"github.com/InsulaLabs/onvm/internal/service"
	"github.com/InsulaLabs/onvm/internal/sshd"
	"github.com/InsulaLabs/onvm/internal/store"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const emitterID = "onvmd"

// Runtime manages the execution of onvmd, handling configuration,
// signal processing, and the lifecycle of the gateway components.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Gateway
	configFile string
	selfSigned bool
	rawArgs    []string

	currentLogLevel slog.Level
}

// New parses flags, loads the environment and the gateway config. When
// --new-cfg is given a fresh config is written and New returns a runtime
// whose Run is a no-op.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs:         args,
		currentLogLevel: slog.LevelInfo,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "onvmdRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile, envFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the gateway configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new gateway configuration file to a given path.")
	fs.StringVar(&envFile, "env", ".env", "Optional dotenv file holding origin credentials.")
	fs.BoolVar(&r.selfSigned, "self-signed", false, "Serve HTTPS with a generated self-signed certificate when none is configured.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return r, nil
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = parseLevel(r.cfg.Logging.Level)
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "onvmdRuntime")

	return r, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

func writeGeneratedConfig(path string) error {
	cfg, err := config.GenerateConfig(path)
	if err != nil {
		return fmt.Errorf("failed to generate configuration: %w", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

func (r *Runtime) Config() *config.Gateway {
	return r.cfg
}

// Stop cancels the runtime context; Run returns once everything has
// shut down.
func (r *Runtime) Stop() {
	r.appCancel()
}

// Run starts the gateway and blocks until the runtime is stopped.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		r.logger.Info("Runtime.Run called without a loaded config (e.g., after --new-cfg). Nothing to run.")
		return nil
	}

	if err := os.MkdirAll(r.cfg.DataDir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "create data dir %s", r.cfg.DataDir)
	}

	if r.selfSigned && r.cfg.TLS.Cert == "" {
		cert, key, err := ensureSelfSignedCert(filepath.Join(r.cfg.DataDir, "keys"), r.cfg.HttpBinding, r.cfg.PublicOrigin)
		if err != nil {
			return errors.Wrap(err, "self-signed certificate")
		}
		r.logger.Info("Using self-signed certificate", "cert", cert)
		r.cfg.TLS = config.TLS{Cert: cert, Key: key}
	}

	blobs, err := store.New(store.Config{
		Logger:       r.logger.WithGroup("store"),
		Directory:    r.cfg.BlobsDir(),
		ChunkSize:    r.cfg.Storage.ChunkSize,
		SubchunkSize: r.cfg.Storage.SubchunkSize,
		Codec:        r.cfg.Storage.Codec,
		MaxBlobSize:  r.cfg.Storage.MaxBlobSize,
	})
	if err != nil {
		return errors.Wrap(err, "open blob store")
	}
	defer blobs.Close()

	bus := events.NewPubSub(events.Config{Topics: events.DefaultTopics})
	publisher, err := bus.GetPublisher(emitterID, events.TopicBlobs)
	if err != nil {
		return errors.Wrap(err, "blob event publisher")
	}

	var remote resolver.Remote
	if r.cfg.Origin.Enabled {
		o, err := origin.New(r.appCtx, origin.Config{
			Endpoint:  r.cfg.Origin.Endpoint,
			Region:    r.cfg.Origin.Region,
			Bucket:    r.cfg.Origin.Bucket,
			Prefix:    r.cfg.Origin.Prefix,
			AccessKey: r.cfg.Origin.AccessKey,
			SecretKey: r.cfg.Origin.SecretKey,
			UseSSL:    r.cfg.Origin.UseSSL,
			PathStyle: r.cfg.Origin.PathStyle,
		}, r.logger.WithGroup("origin"))
		if err != nil {
			return errors.Wrap(err, "connect origin")
		}
		remote = o
	}

	res := resolver.New(resolver.Config{
		Logger:    r.logger.WithGroup("resolver"),
		AppCtx:    r.appCtx,
		Store:     blobs,
		Remote:    remote,
		Publisher: publisher,
		InfoTTL:   r.cfg.Cache.InfoTTL,
		Hydrate:   r.cfg.Origin.Enabled && r.cfg.Origin.Hydrate,
		Replicate: r.cfg.Origin.Enabled && r.cfg.Origin.Replicate,
		Purge:     r.cfg.Origin.Enabled && r.cfg.Origin.Purge,
	})
	defer res.Close()

	svc := service.New(service.Config{
		AppCtx:  r.appCtx,
		Logger:  r.logger.WithGroup("service"),
		Gateway: r.cfg,
		Blobs:   res,
		Bus:     bus,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run()
	}()

	if r.cfg.SSH.Enabled {
		srv, err := sshd.New(sshd.Config{
			Logger:       r.logger,
			SSH:          r.cfg.SSH,
			Resolver:     res,
			PublicOrigin: r.cfg.PublicOrigin,
		})
		if err != nil {
			r.appCancel()
			wg.Wait()
			return errors.Wrap(err, "create ssh server")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil {
				r.logger.Error("SSH server error", "error", err)
			}
		}()
		go func() {
			<-r.appCtx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				r.logger.Error("SSH server shutdown error", "error", err)
			}
		}()
	}

	<-r.appCtx.Done()
	r.logger.Info("Shutting down gateway")
	wg.Wait()
	return nil
}
