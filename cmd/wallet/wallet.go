package main

import (
	"encoding/json"
	"os"

	"github.com/kokukuma/oid4vp-verifier/internal/config"
	"github.com/kokukuma/oid4vp-verifier/internal/cryptoroot"
	"github.com/kokukuma/oid4vp-verifier/internal/wallet"
	"github.com/kokukuma/oid4vp-verifier/pkg/pki"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		issuerDir     string
		verifierRoots string
		claims        map[string]string
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "oid4vp-wallet <authorization request>",
		Short: "Answer an OpenID4VP authorization request with a test learning credential",
		Long: `Issues a learning credential under a development issuer root kept in
--issuer-dir and answers the authorization request with it. Add the
rootCert.pem of --issuer-dir to the verifier's trusted-cert-dir.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logger, err := config.NewLogger(level, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			issuer, err := cryptoroot.LoadOrCreateChain(issuerDir, "issuer.example.com")
			if err != nil {
				return err
			}

			opts := []wallet.Option{wallet.WithLogger(logger)}
			if verifierRoots != "" {
				roots, err := pki.ReadCertificateFile(verifierRoots)
				if err != nil {
					return err
				}
				opts = append(opts, wallet.WithRequestObjectVerifier(
					pki.NewChainVerifier(pki.StaticTrustStore(roots), pki.WithLogger(logger))))
			}

			values := make(map[string]interface{}, len(claims))
			for k, v := range claims {
				values[k] = v
			}
			w, err := wallet.New(issuer, values, opts...)
			if err != nil {
				return err
			}

			res, err := w.Respond(cmd.Context(), args[0])
			if err != nil {
				logger.Error("failed to respond", zap.Error(err))
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&issuerDir, "issuer-dir", "./issuer", "directory keeping the development issuer root")
	flags.StringVar(&verifierRoots, "verifier-roots", "", "PEM roots to verify signed request objects with")
	flags.StringToStringVar(&claims, "claim", map[string]string{
		"family_name":       "Mustermann",
		"given_name":        "Erika",
		"issuing_country":   "DE",
		"achievement_title": "Foundations of Distributed Systems",
	}, "credential claims as name=value")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}
