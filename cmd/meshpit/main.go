package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adzialocha/meshpit/api"
	"github.com/adzialocha/meshpit/config"
	"github.com/adzialocha/meshpit/crypto"
	"github.com/adzialocha/meshpit/logging"
	"github.com/adzialocha/meshpit/node"
)

type options struct {
	configPath string
	logLevel   string
	topic      string
	networkID  string
	bootstrap  []string
	listenPort int
	udpServer  int
	udpClient  int
	noSync     bool
	noMDNS     bool
	dht        bool
	keyFile    string
	apiAddr    string
}

func main() {
	if err := newRootCommand(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meshpit",
		Short: "Relay UDP datagrams through a peer-to-peer mesh",
		Long: `meshpit signs every datagram received on its local UDP socket as an entry
of an append-only log, broadcasts it to all peers subscribed to the same topic
and forwards the payloads it receives from them to a local UDP client.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "log filter, e.g. debug, =info or meshpit/bridge=debug,libp2p=warn")
	flags.StringVarP(&opts.topic, "topic", "t", "", "topic all peers converge on")
	flags.StringVar(&opts.networkID, "network-id", "", "network identifier namespacing topics and discovery")
	flags.StringSliceVarP(&opts.bootstrap, "bootstrap", "b", nil, "bootstrap peer multiaddr (repeatable)")
	flags.IntVar(&opts.listenPort, "listen-port", 0, "libp2p listen port, 0 picks a random one")
	flags.IntVarP(&opts.udpServer, "udp-server", "s", 0, "local UDP port to read datagrams from")
	flags.IntVarP(&opts.udpClient, "udp-client", "u", 0, "local UDP port mesh payloads are sent to")
	flags.BoolVar(&opts.noSync, "no-sync", false, "disable log sync with joining peers")
	flags.BoolVar(&opts.noMDNS, "no-mdns", false, "disable mDNS discovery")
	flags.BoolVar(&opts.dht, "dht", false, "enable Kademlia DHT discovery")
	flags.StringVarP(&opts.keyFile, "key-file", "k", "", "signing key file, created when missing")
	flags.StringVar(&opts.apiAddr, "api-addr", "", "address of the status API, e.g. 127.0.0.1:8080")

	cmd.AddCommand(newStatusCommand())
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)

	if _, err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	key, generated, err := crypto.LoadOrGenerate(cfg.Identity.KeyFile)
	if err != nil {
		return err
	}
	if generated && cfg.Identity.KeyFile != "" {
		fmt.Fprintf(os.Stderr, "generated new key in %s\n", cfg.Identity.KeyFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, key)
	if err != nil {
		return err
	}

	fmt.Printf("meshpit running\n")
	fmt.Printf("  topic:       %s\n", cfg.Topic)
	fmt.Printf("  public key:  %s\n", n.PublicKey())
	fmt.Printf("  peer id:     %s\n", n.PeerID())
	fmt.Printf("  udp server:  %s\n", n.UDPServerAddr())
	fmt.Printf("  udp client:  %s\n", n.UDPClientAddr())
	for _, addr := range n.Addrs() {
		fmt.Printf("  listening:   %s\n", addr)
	}
	if addr := n.APIAddr(); addr != nil {
		fmt.Printf("  status api:  http://%s/api/v1/status\n", addr)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}

// applyFlags overrides config values with flags that were set explicitly.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	} else if v, ok := os.LookupEnv("MESHPIT_LOG"); ok {
		cfg.LogLevel = v
	}
	if flags.Changed("topic") {
		cfg.Topic = opts.topic
	}
	if flags.Changed("network-id") {
		cfg.NetworkID = opts.networkID
	}
	if flags.Changed("bootstrap") {
		cfg.Network.BootstrapPeers = opts.bootstrap
	}
	if flags.Changed("listen-port") {
		cfg.Network.ListenPort = opts.listenPort
	}
	if flags.Changed("udp-server") {
		cfg.UDP.ServerPort = opts.udpServer
	}
	if flags.Changed("udp-client") {
		cfg.UDP.ClientPort = opts.udpClient
	}
	if opts.noSync {
		cfg.Sync.Enabled = false
	}
	if opts.noMDNS {
		cfg.Network.EnableMDNS = false
	}
	if opts.dht {
		cfg.Network.EnableDHT = true
	}
	if flags.Changed("key-file") {
		cfg.Identity.KeyFile = opts.keyFile
	}
	if flags.Changed("api-addr") {
		cfg.API.Addr = opts.apiAddr
	}
}

func newStatusCommand() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client := api.NewClient(apiAddr)
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			authors, err := client.Authors(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"status":  status,
				"authors": authors,
			})
		},
	}

	cmd.Flags().StringVarP(&apiAddr, "api-addr", "a", "127.0.0.1:8080", "address of the node's status API")
	return cmd
}
