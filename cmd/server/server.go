package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/stephnangue/tenantauth/activation"
	"github.com/stephnangue/tenantauth/audit"
	"github.com/stephnangue/tenantauth/authzcache"
	"github.com/stephnangue/tenantauth/claim"
	"github.com/stephnangue/tenantauth/config"
	tahttp "github.com/stephnangue/tenantauth/http"
	"github.com/stephnangue/tenantauth/identity"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/idp/keycloak"
	"github.com/stephnangue/tenantauth/idp/memidp"
	"github.com/stephnangue/tenantauth/listener"
	"github.com/stephnangue/tenantauth/listener/api"
	log "github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/management"
	"github.com/stephnangue/tenantauth/storage"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	serviceName = "tenantauth"
)

var (
	configPath string

	flagDev bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a tenantauth server that responds to API requests",
		Long: `
Usage: tenantauth server [options]

  This command starts a tenantauth server that responds to API requests.

  Start a server with a configuration file:

      $ tenantauth server --config=/etc/tenantauth/config.hcl

  Start an in-memory development server with a bootstrap super tenant:

      $ tenantauth server --dev
  `,
		RunE: run,
	}

	wg sync.WaitGroup

	cleanupGuard sync.Once

	identityProviders = map[string]func(*config.IdentityProviderBlock, *log.GatedLogger) (idp.Adapter, error){
		"memory":   newMemoryProvider,
		"keycloak": newKeycloakProvider,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/tenantauth.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Run an in-memory development server")
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if flagDev {
			return config.DevConfig(), nil
		}
		return nil, fmt.Errorf("config file path is required. Use -c or --config flag, or --dev")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	config, err := loadConfig()
	if err != nil {
		return err
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(config)

	inmemSink, err := setupMetrics()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	backend, err := storage.New(ctx, config.Storage.Type, config.Storage.Config(),
		logger.WithSystem("storage."+config.Storage.Type))
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	provider, err := buildIdentityProvider(config, logger)
	if err != nil {
		backend.Close()
		return err
	}

	identityOpts, cacheInfo, err := buildIdentityOptions(config)
	if err != nil {
		backend.Close()
		return err
	}

	stepTimeout, err := config.StepTimeout()
	if err != nil {
		backend.Close()
		return err
	}

	orchestrator := activation.NewOrchestrator(activation.Dependencies{
		Credentials: backend.Credentials,
		Tenants:     backend.Tenants,
		Profiles:    backend.Profiles,
		Provider:    provider,
	}, activation.Config{
		Workers:     config.Workers(),
		StepTimeout: stepTimeout,
	}, logger)

	manager := management.NewManager(management.Dependencies{
		Credentials: backend.Credentials,
		Tenants:     backend.Tenants,
		Provider:    provider,
		Activator:   orchestrator,
	}, management.Config{TenantBaseURI: config.TenantBaseURI}, logger)

	var devRoot *devCredentials
	if flagDev {
		devRoot, err = devBootstrap(ctx, backend)
		if err != nil {
			orchestrator.Stop()
			backend.Close()
			return err
		}
	}

	auditManager, auditInfo, err := buildAuditManager(config, logger)
	if err != nil {
		orchestrator.Stop()
		backend.Close()
		return err
	}

	identityService := identity.NewService(provider, logger, identityOpts...)
	httpHandler := tahttp.Handler(&tahttp.HandlerProperties{
		Resolver: claim.NewResolver(backend.Credentials, backend.Tenants, logger,
			claim.WithUserTokenVerifier(identityService)),
		Identity: identityService,
		Manager:  manager,
		Logger:   logger,
		Audit:    auditManager,
	})

	infoKeys := make([]string, 0, 10)
	info := make(map[string]string)
	addInfo := func(k, v string) {
		info[k] = v
		infoKeys = append(infoKeys, k)
	}
	addInfo("log level", config.LogLevel)
	addInfo("log file", config.LogFile)
	addInfo("log format", config.LogFormat)
	addInfo("log rotate max files", fmt.Sprintf("%d", config.LogRotateMaxFiles))
	addInfo("log rotate max size", fmt.Sprintf("%d", config.LogRotateMegabytes))
	addInfo("log rotation period", fmt.Sprintf("%d", config.LogRotationPeriod))
	addInfo("storage", config.Storage.Type)
	addInfo("identity provider", config.IdentityProvider.Type)
	addInfo("auth cache", cacheInfo)
	addInfo("activation workers", fmt.Sprintf("%d", config.Workers()))
	addInfo("activation step timeout", stepTimeout.String())
	addInfo("audit devices", auditInfo)

	lns, err := initListeners(httpHandler, config, logger, addInfo)
	if err != nil {
		orchestrator.Stop()
		closeAudit(auditManager)
		backend.Close()
		return err
	}

	// Shutdown error tracking
	var shutdownErrs *multierror.Error
	var shutdownErrsMu sync.Mutex

	listenerCloseFunc := func() {
		fmt.Fprintf(out, "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = multierror.Append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(out, "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
	}

	// listeners are stopped exactly once, whether via defer or the shutdown path
	defer cleanupGuard.Do(listenerCloseFunc)

	sort.Strings(infoKeys)
	fmt.Fprintf(out, "\n==> tenantauth server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(out, "%24s: %s\n", titleCaser.String(k), info[k])
	}

	if devRoot != nil {
		printDevBanner(out, devRoot)
	}

	errChan := make(chan error, len(lns))
	var listenerErrs *multierror.Error
	totalListeners := len(lns)

	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(out, "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	fmt.Fprintf(out, "\n==> tenantauth server started! Log data will stream in below:\n")
	logger.OpenGate()

	shutdownTriggered := false
	for !shutdownTriggered {
		select {
		case err := <-errChan:
			listenerErrs = multierror.Append(listenerErrs, err)
			failedCount := listenerErrs.Len()

			fmt.Fprintf(out, "Listener error occurred: failed_count=%d, total_listeners=%d\n", failedCount, totalListeners)

			// Only trigger shutdown if ALL listeners have failed
			if failedCount >= totalListeners {
				fmt.Fprintf(out, "All listeners have failed, triggering shutdown: failed_count=%d\n", failedCount)
				shutdownTriggered = true
				cancel()
			}
		case <-ctx.Done():
			fmt.Fprintf(out, "tenantauth shutdown triggered\n")
			shutdownTriggered = true
			cancel()
		}
	}

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)

	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrs = multierror.Append(listenerErrs, err)
	}
	if listenerErrs.ErrorOrNil() != nil {
		fmt.Fprintf(out, "Listener errors occurred during runtime: %v, error_count=%d\n", listenerErrs, listenerErrs.Len())
	}

	// queued activations finish before storage goes away
	orchestrator.Stop()

	if err := closeAudit(auditManager); err != nil {
		fmt.Fprintf(out, "audit shutdown failed: %v\n", err)
		shutdownErrsMu.Lock()
		shutdownErrs = multierror.Append(shutdownErrs, fmt.Errorf("audit shutdown failed: %w", err))
		shutdownErrsMu.Unlock()
	}

	if err := backend.Close(); err != nil {
		fmt.Fprintf(out, "storage shutdown failed: %v\n", err)
		shutdownErrsMu.Lock()
		shutdownErrs = multierror.Append(shutdownErrs, fmt.Errorf("storage shutdown failed: %w", err))
		shutdownErrsMu.Unlock()
	}

	logMetricsSummary(logger, inmemSink)

	if err := shutdownErrs.ErrorOrNil(); err != nil {
		fmt.Fprintf(out, "Shutdown completed with errors: %v, error_count=%d\n", err, shutdownErrs.Len())
		return err
	}

	fmt.Fprintf(out, "Server shutdown completed successfully\n")
	return nil
}

func buildGatedLogger(config *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(config.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(config.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if config.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   config.LogFile,
			MaxSize:    config.LogRotateMegabytes,
			MaxAge:     config.LogRotationPeriod,
			MaxBackups: config.LogRotateMaxFiles,
		}
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)

	return gatedLogger
}

// setupMetrics installs a global in-memory sink. SIGUSR1 dumps it to stderr.
func setupMetrics() (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig(serviceName)
	conf.EnableHostname = false
	if _, err := metrics.NewGlobal(conf, inm); err != nil {
		return nil, err
	}
	return inm, nil
}

func logMetricsSummary(logger *log.GatedLogger, inm *metrics.InmemSink) {
	data := inm.Data()
	if len(data) == 0 {
		return
	}
	current := data[len(data)-1]
	current.RLock()
	defer current.RUnlock()
	for name, counter := range current.Counters {
		logger.Debug("metric", log.String("name", name), log.Int("count", counter.Count))
	}
}

func buildIdentityProvider(config *config.Config, logger *log.GatedLogger) (idp.Adapter, error) {
	block := config.IdentityProvider
	if block == nil {
		return nil, errors.New("an identity provider must be specified")
	}
	factory, ok := identityProviders[block.Type]
	if !ok {
		return nil, fmt.Errorf("unknown identity provider type %s", block.Type)
	}
	provider, err := factory(block, logger.WithSystem("idp."+block.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing identity provider of type %s: %w", block.Type, err)
	}
	return provider, nil
}

func newMemoryProvider(block *config.IdentityProviderBlock, _ *log.GatedLogger) (idp.Adapter, error) {
	return memidp.New(memidp.Options{AutoProvisionUsers: block.AutoProvisionUsers}), nil
}

func newKeycloakProvider(block *config.IdentityProviderBlock, logger *log.GatedLogger) (idp.Adapter, error) {
	kcConfig, err := keycloak.ParseConfig(block.Config())
	if err != nil {
		return nil, err
	}
	kcConfig.Logger = logger
	return keycloak.NewClient(kcConfig)
}

// buildAuditManager returns a nil manager when no audit block is configured
func buildAuditManager(config *config.Config, logger *log.GatedLogger) (*audit.Manager, string, error) {
	if len(config.Audit) == 0 {
		return nil, "none", nil
	}

	manager := audit.NewManager(logger)
	for i, block := range config.Audit {
		name := fmt.Sprintf("%s_%d", block.Type, i)
		device, err := audit.NewFileDevice(name, block.Config())
		if err != nil {
			manager.Close()
			return nil, "", fmt.Errorf("failed to create audit device %s: %w", name, err)
		}
		if err := manager.RegisterDevice(name, device); err != nil {
			manager.Close()
			return nil, "", err
		}
	}
	return manager, strings.Join(manager.ListDevices(), ", "), nil
}

func closeAudit(manager *audit.Manager) error {
	if manager == nil {
		return nil
	}
	return manager.Close()
}

func buildIdentityOptions(config *config.Config) ([]identity.Option, string, error) {
	if !config.CacheEnabled() {
		return nil, "disabled", nil
	}
	ttl, err := config.CacheTTL()
	if err != nil {
		return nil, "", err
	}
	maxEntries := config.CacheMaxEntries()
	cache := authzcache.New(ttl, maxEntries)
	return []identity.Option{identity.WithCache(cache)},
		fmt.Sprintf("ttl=%s, max_entries=%d", ttl, maxEntries), nil
}

func initListeners(httpHandler http.Handler, config *config.Config, logger *log.GatedLogger, addInfo func(k, v string)) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(config.Listeners))

	for _, lnConfig := range config.Listeners {
		switch lnConfig.Name {
		case "api":
			ln, err := api.NewApiListener(api.ApiListenerConfig{
				Logger:          logger.WithSystem(subsystemListener),
				Address:         lnConfig.Address,
				TLSCertFile:     lnConfig.TLSCertFile,
				TLSKeyFile:      lnConfig.TLSKeyFile,
				TLSClientCAFile: lnConfig.TLSClientCAFile,
				TLSEnabled:      lnConfig.TLSEnabled,
			}, httpHandler)
			if err != nil {
				return nil, fmt.Errorf("error initializing listener %s: %s", lnConfig.Name, err)
			}
			addInfo("api address", lnConfig.Address)
			lns = append(lns, ln)
		default:
			return nil, fmt.Errorf("unknown listener: %s", lnConfig.Name)
		}
	}

	return lns, nil
}
