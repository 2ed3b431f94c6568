package commands

import (
	"github.com/sectornet/routing/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for the routing daemon
var RootCmd = &cobra.Command{
	Use:              "routing",
	Short:            "sectornet routing daemon",
	TraverseChildren: true,
}
