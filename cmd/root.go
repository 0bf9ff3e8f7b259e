package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/segcache/cmd/kv"
	"github.com/ValentinKolb/segcache/cmd/serve"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/spf13/cobra"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "segcache",
		Short: "segment structured memcache server",
		Long: fmt.Sprintf(`segcache (v%s)

A memcache compatible cache server written in Go. Objects are stored in
fixed size segments grouped by expiration time, which makes expiration
cheap and eviction memory efficient.`, common.Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of segcache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("segcache v%s\n", common.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
