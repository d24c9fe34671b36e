package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/casidp/authn/internal/config"
	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/repository"
)

var (
	grantServiceFlag string
	grantHandlerFlag string
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect registered services and manage stored handler grants",
	Long: `Stored grants extend the allowed_handlers of a configured service when
engine.database_grants is enabled. Grants for services with no allowed_handlers
have no effect since those services already accept every handler.`,
}

type grantedService struct {
	Name       string   `yaml:"name"`
	Pattern    string   `yaml:"pattern"`
	Configured []string `yaml:"configured_handlers,omitempty"`
	Stored     []string `yaml:"stored_handlers,omitempty"`
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured services with their configured and stored grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		stored := map[string][]string{}
		if cfg.DatabaseURL != "" {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer bunx.Close(db)

			grants, err := repository.NewBunGrantAdapter(db).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list grants: %w", err)
			}
			for _, g := range grants {
				stored[g.Service] = append(stored[g.Service], g.Handler)
			}
		}

		out := make([]grantedService, 0, len(cfg.Services))
		for _, s := range cfg.Services {
			out = append(out, grantedService{
				Name:       s.Name,
				Pattern:    s.Pattern,
				Configured: s.AllowedHandlers,
				Stored:     stored[s.Name],
			})
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}

var servicesGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Store a grant allowing a service to use a handler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkGrant(cfg, grantServiceFlag, grantHandlerFlag, true); err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		if err := repository.NewBunGrantAdapter(db).Grant(cmd.Context(), grantServiceFlag, grantHandlerFlag); err != nil {
			return fmt.Errorf("failed to store grant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Granted handler %s to service %s\n", grantHandlerFlag, grantServiceFlag)
		return nil
	},
}

var servicesRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Delete stored grants of a service",
	Long:  `Deletes the grant for --handler, or every stored grant of the service when --handler is omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkGrant(cfg, grantServiceFlag, grantHandlerFlag, false); err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		if err := repository.NewBunGrantAdapter(db).Revoke(cmd.Context(), grantServiceFlag, grantHandlerFlag); err != nil {
			return fmt.Errorf("failed to revoke grant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked stored grants of service %s\n", grantServiceFlag)
		return nil
	},
}

// checkGrant rejects grants naming a service or handler missing from cfg.
func checkGrant(cfg *config.Config, service, handler string, handlerRequired bool) error {
	if service == "" {
		return fmt.Errorf("--service flag is required")
	}
	if handler == "" && handlerRequired {
		return fmt.Errorf("--handler flag is required")
	}

	if !slices.ContainsFunc(cfg.Services, func(s config.ServiceConfig) bool { return s.Name == service }) {
		return fmt.Errorf("service %q is not configured", service)
	}
	if handler != "" && !slices.ContainsFunc(cfg.Handlers, func(h config.HandlerConfig) bool { return h.Name == handler }) {
		return fmt.Errorf("handler %q is not configured", handler)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{servicesGrantCmd, servicesRevokeCmd} {
		c.Flags().StringVar(&grantServiceFlag, "service", "", "Registered service name")
		c.Flags().StringVar(&grantHandlerFlag, "handler", "", "Handler name")
	}

	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesGrantCmd)
	servicesCmd.AddCommand(servicesRevokeCmd)
	rootCmd.AddCommand(servicesCmd)
}
