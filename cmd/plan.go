package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/casidp/authn/cmd/cmdutil"
	"github.com/casidp/authn/internal/services/authn"
)

type handlerEntry struct {
	Name     string `yaml:"name"`
	State    string `yaml:"state"`
	Resolver string `yaml:"resolver,omitempty"`
}

type serviceEntry struct {
	Name            string   `yaml:"name"`
	Pattern         string   `yaml:"pattern"`
	AllowedHandlers []string `yaml:"allowed_handlers,omitempty"`
	Policies        []string `yaml:"policies,omitempty"`
}

// planReport is a read-only view of an execution plan.
type planReport struct {
	Handlers         []handlerEntry `yaml:"handlers"`
	Populators       []string       `yaml:"populators,omitempty"`
	Policies         []string       `yaml:"policies,omitempty"`
	PolicyResolvers  []string       `yaml:"policy_resolvers,omitempty"`
	HandlerResolvers []string       `yaml:"handler_resolvers,omitempty"`
	PreProcessors    []string       `yaml:"pre_processors,omitempty"`
	PostProcessors   []string       `yaml:"post_processors,omitempty"`
	EventListeners   []string       `yaml:"event_listeners,omitempty"`
	Services         []serviceEntry `yaml:"services,omitempty"`
}

func describePlan(plan *authn.ExecutionPlan) planReport {
	var r planReport
	for _, reg := range plan.Handlers() {
		e := handlerEntry{Name: reg.Handler.Name(), State: string(reg.Handler.State())}
		if reg.Resolver != nil {
			e.Resolver = reg.Resolver.Name()
		}
		r.Handlers = append(r.Handlers, e)
	}
	for _, p := range plan.MetadataPopulators() {
		r.Populators = append(r.Populators, p.Name())
	}
	for _, p := range plan.Policies() {
		r.Policies = append(r.Policies, p.Name())
	}
	for _, p := range plan.PolicyResolvers() {
		r.PolicyResolvers = append(r.PolicyResolvers, p.Name())
	}
	for _, h := range plan.HandlerResolvers() {
		r.HandlerResolvers = append(r.HandlerResolvers, h.Name())
	}
	for _, p := range plan.PreProcessors() {
		r.PreProcessors = append(r.PreProcessors, p.Name())
	}
	for _, p := range plan.PostProcessors() {
		r.PostProcessors = append(r.PostProcessors, p.Name())
	}
	for _, l := range plan.EventListeners() {
		r.EventListeners = append(r.EventListeners, fmt.Sprintf("%T", l))
	}
	return r
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the execution plan built from configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := cmdutil.NewEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		report := describePlan(engine.Plan)
		for _, svc := range engine.Registry.Services() {
			report.Services = append(report.Services, serviceEntry{
				Name:            svc.Name,
				Pattern:         svc.Pattern,
				AllowedHandlers: svc.AllowedHandlers,
				Policies:        svc.Policies,
			})
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
