package cmd

import (
	"bufio"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/casidp/authn/cmd/cmdutil"
	"github.com/casidp/authn/internal/services/authn"
)

var (
	authServiceFlag    string
	authUsernameFlag   string
	authPasswordFlag   string
	authSourceFlag     string
	authRememberMeFlag bool
	authStdinFlag      bool
	authTokenFlag      string
	authCertFlag       string
	authOTPUserFlag    string
	authOTPCodeFlag    string
	authClientIPFlag   string
	authUserAgentFlag  string
	authOutputFlag     string
)

// failureReport is the printable form of an AuthenticationError.
type failureReport struct {
	Reason   authn.Reason             `json:"reason" yaml:"reason"`
	Message  string                   `json:"message" yaml:"message"`
	Failures map[string]authn.Failure `json:"failures" yaml:"failures"`
}

var authenticateCmd = &cobra.Command{
	Use:   "authenticate",
	Short: "Run one authentication transaction",
	Long: `Builds the execution plan from configuration, runs a single transaction with
the supplied credentials and prints the resulting authentication record.`,
	Example: `  authn authenticate --config authn.yaml --username casuser --stdin
  authn authenticate --service https://app.example.com/ --token "$JWT" --output json
  authn authenticate --cert client-chain.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if authOutputFlag != "yaml" && authOutputFlag != "json" {
			return fmt.Errorf("--output must be yaml or json")
		}

		creds, err := credentialsFromFlags(cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		engine, err := cmdutil.NewEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		var svc *authn.Service
		if authServiceFlag != "" {
			svc = &authn.Service{ID: authServiceFlag}
		}
		if authClientIPFlag != "" || authUserAgentFlag != "" {
			ctx = authn.WithClientInfo(ctx, authn.ClientInfo{ClientIP: authClientIPFlag, UserAgent: authUserAgentFlag})
		}

		tx := authn.DefaultTransactionFactory{}.NewTransaction(svc, creds...)
		auth, err := engine.Manager.Authenticate(ctx, tx)
		if err != nil {
			var authErr *authn.AuthenticationError
			if errors.As(err, &authErr) {
				if werr := writeOutput(cmd.ErrOrStderr(), failureReport{
					Reason:   authErr.Reason,
					Message:  authErr.Message,
					Failures: authErr.Failures(),
				}); werr != nil {
					return werr
				}
			}
			return fmt.Errorf("transaction %s failed: %w", tx.ID(), err)
		}

		return writeOutput(cmd.OutOrStdout(), auth.Record())
	},
}

func credentialsFromFlags(stdin io.Reader) ([]authn.Credential, error) {
	var creds []authn.Credential

	if authUsernameFlag != "" {
		password := authPasswordFlag
		if authStdinFlag {
			scanner := bufio.NewScanner(stdin)
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read password: %w", err)
			}
		}
		up := authn.UsernamePasswordCredential{Username: authUsernameFlag, Password: password, Source: authSourceFlag}
		if authRememberMeFlag {
			creds = append(creds, &authn.RememberMeCredential{UsernamePasswordCredential: up, RememberMe: true})
		} else {
			creds = append(creds, &up)
		}
	}

	if authTokenFlag != "" {
		creds = append(creds, &authn.TokenCredential{Token: strings.TrimSpace(authTokenFlag)})
	}

	if authCertFlag != "" {
		chain, err := readCertificateChain(authCertFlag)
		if err != nil {
			return nil, err
		}
		creds = append(creds, &authn.CertificateCredential{Chain: chain})
	}

	if authOTPUserFlag != "" {
		creds = append(creds, &authn.OneTimePasswordCredential{UserID: authOTPUserFlag, Code: authOTPCodeFlag})
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials given (use --username, --token, --cert or --otp-user)")
	}
	return creds, nil
}

// readCertificateChain parses every CERTIFICATE block of a PEM file, leaf first.
func readCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate chain: %w", err)
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", path, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return chain, nil
}

func writeOutput(w io.Writer, v any) error {
	if authOutputFlag == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func init() {
	f := authenticateCmd.Flags()
	f.StringVar(&authServiceFlag, "service", "", "Target service id (usually a URL)")
	f.StringVar(&authUsernameFlag, "username", "", "Username for a username/password credential")
	f.StringVar(&authPasswordFlag, "password", "", "Password (use --stdin to avoid shell history)")
	f.StringVar(&authSourceFlag, "source", "", "Restrict the username/password credential to the named handler")
	f.BoolVar(&authRememberMeFlag, "remember-me", false, "Mark the username/password credential as remember-me")
	f.BoolVar(&authStdinFlag, "stdin", false, "Read the password from stdin")
	f.StringVar(&authTokenFlag, "token", "", "Bearer token credential")
	f.StringVar(&authCertFlag, "cert", "", "PEM file holding an X.509 certificate chain, leaf first")
	f.StringVar(&authOTPUserFlag, "otp-user", "", "User id for a one-time password credential")
	f.StringVar(&authOTPCodeFlag, "otp-code", "", "One-time password code")
	f.StringVar(&authClientIPFlag, "client-ip", "", "Client address recorded for the transaction")
	f.StringVar(&authUserAgentFlag, "user-agent", "", "User agent recorded for the transaction")
	f.StringVarP(&authOutputFlag, "output", "o", "yaml", "Output format: yaml or json")

	rootCmd.AddCommand(authenticateCmd)
}
