package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renja-g/RiftGuard/internal/config"
	"github.com/renja-g/RiftGuard/internal/policy"
	"github.com/renja-g/RiftGuard/internal/router"
)

type limitsView struct {
	Endpoint       string `json:"endpoint"`
	Window         string `json:"window"`
	MaxRequests    int    `json:"max_requests"`
	Burst          int    `json:"burst"`
	Algorithm      string `json:"algorithm"`
	Adaptive       bool   `json:"adaptive"`
	CircuitBreaker bool   `json:"circuit_breaker"`
}

// newLimitsCmd prints the effective limits of an endpoint as the configured
// layers resolve them, before any user or adaptation layer applies.
func newLimitsCmd() *cobra.Command {
	var tier string

	limitsCmd := &cobra.Command{
		Use:   "limits <endpoint>",
		Short: "Print the effective limits for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.NewViper(), cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			defaults, err := cfg.Limits.Defaults()
			if err != nil {
				return err
			}

			opts := []policy.Option{policy.WithDefaults(defaults)}
			if table := cfg.Limits.EndpointTable(); table != nil {
				opts = append(opts, policy.WithEndpoints(table))
			}
			resolver := policy.NewResolver(opts...)

			endpoint := router.Normalize(args[0])
			user := ""
			if tier != "" {
				t, err := policy.ParseTier(tier)
				if err != nil {
					return fmt.Errorf("%w: %q", err, tier)
				}
				user = "cli"
				if err := resolver.SetUserPriority(user, t); err != nil {
					return err
				}
			}

			rc := resolver.Resolve(endpoint, user)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(limitsView{
				Endpoint:       endpoint,
				Window:         rc.Window.String(),
				MaxRequests:    rc.MaxRequests,
				Burst:          rc.Burst,
				Algorithm:      string(rc.Algorithm),
				Adaptive:       rc.Adaptive,
				CircuitBreaker: rc.CircuitBreaker,
			})
		},
	}
	limitsCmd.Flags().StringVar(&tier, "tier", "", "apply a priority tier (low, medium, high, premium)")
	return limitsCmd
}
