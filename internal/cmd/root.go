package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "riftguard",
		Short: "Adaptive admission control in front of a rate limited upstream",
		Long: `RiftGuard decides per endpoint and user whether a request may go to the
upstream now, learns from upstream feedback, and relays admitted traffic.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml; optional)")

	root.AddCommand(newServeCmd(), newLimitsCmd(), newVersionCmd())
	return root
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return newRootCmd().Execute()
}
