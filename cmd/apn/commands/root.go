package commands

import (
	"github.com/alpha-protocol/apn-node/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the apn binary.
var RootCmd = &cobra.Command{
	Use:              "apn",
	Short:            "alpha protocol network node",
	TraverseChildren: true,
}
