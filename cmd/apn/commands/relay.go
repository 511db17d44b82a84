package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alpha-protocol/apn-node/src/bus/wampbus"
	"github.com/spf13/cobra"
)

var (
	relayListen string
	relayRealm  string
)

// NewRelayCmd returns the command that runs a standalone relay router, for
// nodes that cannot reach each other directly.
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay router",
		RunE:  runRelay,
	}

	cmd.Flags().StringVarP(&relayListen, "listen", "l", _config.RelayAddr, "Listen IP:Port for the relay")
	cmd.Flags().StringVar(&relayRealm, "realm", _config.RelayRealm, "Relay realm")

	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	server, err := wampbus.NewServer(relayListen, relayRealm, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		server.Shutdown()
	}()

	logger.WithField("listen", relayListen).Info("Relay running")

	return server.Run()
}
