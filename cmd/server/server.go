package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kokukuma/oid4vp-verifier/credential"
	"github.com/kokukuma/oid4vp-verifier/internal/config"
	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/internal/repository"
	"github.com/kokukuma/oid4vp-verifier/internal/server"
	"github.com/kokukuma/oid4vp-verifier/internal/usecase"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/pkg/pki"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/kokukuma/oid4vp-verifier/verifier"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "oid4vp-verifier",
		Short:        "OpenID4VP verifier with SD-JWT VC, DCQL and encrypted responses",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "path to a configuration file")
	flags.StringP("listen-addr", "l", ":8080", "address to listen on")
	flags.String("client-id", "", "client identifier including its prefix, e.g. x509_san_dns:verifier.example.com")
	flags.String("client-id-scheme", "", "client identifier prefix (default: taken from client-id)")
	flags.String("authorize-endpoint", "openid4vp://", "wallet authorization endpoint")
	flags.String("request-uri", "", "public URL of GET /oid4vp/request")
	flags.String("response-uri", "", "public URL wallets post responses to")
	flags.String("redirect-uri", "", "URL returned to the wallet after a response is accepted")
	flags.Bool("enable-encryption", false, "ask for direct_post.jwt encrypted responses")
	flags.String("signer-key", "", "PEM private key signing request objects")
	flags.String("x5c", "", "PEM certificate chain of signer-key, leaf first")
	flags.String("x5u", "", "URL of the signer certificate chain")
	flags.String("dev-cert-dir", "", "keep a generated development root here when no signer-key is set")
	flags.String("trusted-cert-dir", "", "directory of trusted issuer root certificates")
	flags.String("store-backend", kv.BackendMemory, "store backend: memory, redis or bolt")
	flags.String("redis-addr", "", "redis address for the redis store")
	flags.String("bolt-path", "", "database file for the bolt store")
	flags.String("log-level", "info", "log level")
	flags.Bool("log-json", false, "log in JSON")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer logger.Sync()

	handler, cleanup, err := build(cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting oid4vp verifier", zap.String("addr", cfg.ListenAddr),
			zap.String("client_id", cfg.ClientID), zap.String("store", cfg.Store.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// build wires the stores, the protocol components and the interactor behind
// the HTTP handler.
func build(cfg *config.Config, logger *zap.Logger) (http.Handler, func(), error) {
	store, err := kv.New(cfg.KVOptions())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}

	var (
		trust       pki.TrustStore
		certManager *server.CertManager
	)
	if cfg.TrustedCertDir != "" {
		certManager, err = server.NewCertManager(cfg.TrustedCertDir, logger.Named("certs"))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		trust = certManager
	}
	chainVerifier := pki.NewChainVerifier(trust, pki.WithLogger(logger.Named("pki")))
	credentialVerifier := credential.NewSDJWTVerifier(chainVerifier,
		credential.WithAudience(cfg.ClientID),
		credential.WithLogger(logger.Named("credential")))

	signer, err := cfg.LoadSigner()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	ucfg := usecase.Config{
		ClientID:                         cfg.ClientID,
		ClientIDScheme:                   cfg.ClientIDScheme,
		AuthorizeEndpoint:                cfg.AuthorizeEndpoint,
		RequestURI:                       cfg.RequestURI,
		ResponseURI:                      cfg.ResponseURI,
		RedirectURIReturnedByResponseURI: cfg.RedirectURI,
		EnableEncryption:                 cfg.EnableEncryption,
		X5U:                              cfg.X5U,
		ClientMetadata: openid4vp.ClientMetadataOptions{
			ClientName: cfg.ClientName,
			LogoURI:    cfg.LogoURI,
			PolicyURI:  cfg.PolicyURI,
			TosURI:     cfg.TosURI,
		},
		ExpiredIn: usecase.ExpiredIn{
			RequestAtVerifier:         cfg.ExpiredIn.RequestAtVerifier,
			RequestAtResponseEndpoint: cfg.ExpiredIn.RequestAtResponseEndpoint,
			Response:                  cfg.ExpiredIn.Response,
			PostSession:               cfg.ExpiredIn.PostSession,
		},
	}
	if signer != nil {
		ucfg.SignerKey = signer.Key
		ucfg.X5C = signer.X5C
	}

	repoLogger := repository.WithLogger(logger.Named("repository"))
	interactor := usecase.NewInteractor(ucfg,
		responseendpoint.NewEndpoint(repository.NewRequestStore(store, repoLogger),
			responseendpoint.WithLogger(logger.Named("response_endpoint"))),
		verifier.NewVerifier(repository.NewVerifierStore(store, repoLogger),
			verifier.WithLogger(logger.Named("verifier"))),
		credentialVerifier,
		repository.NewPostStateStore(store, repoLogger),
		repository.NewSessionStore(store, repoLogger),
		usecase.WithLogger(logger.Named("usecase")),
	)
	if err := interactor.StartupCheck(); err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "startup check failed")
	}

	opts := []server.Option{server.WithLogger(logger.Named("server"))}
	if certManager != nil {
		opts = append(opts, server.WithCertManager(certManager))
	}
	srv := server.NewServer(server.Config{
		ResponsePath:  cfg.ResponsePath(),
		CookieSecure:  cfg.CookieSecure,
		CORSOrigins:   cfg.CORSOrigins,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
	}, interactor, opts...)
	return srv.Handler(), cleanup, nil
}
