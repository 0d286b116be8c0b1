package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	contract "github.com/slidebolt/sb-contract"
	messenger "github.com/slidebolt/sb-messenger-sdk"
	storage "github.com/slidebolt/sb-storage-sdk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/slidebolt/plugin-shinobi/pkg/bundle"
	"github.com/slidebolt/plugin-shinobi/pkg/config"
	"github.com/slidebolt/plugin-shinobi/pkg/device"
	"github.com/slidebolt/plugin-shinobi/pkg/logging"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
	"github.com/slidebolt/plugin-shinobi/pkg/mqtt"
	"github.com/slidebolt/plugin-shinobi/pkg/platform"
	"github.com/slidebolt/plugin-shinobi/pkg/server"
)

var (
	cfgFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "plugin-shinobi",
	Short: "Expose Shinobi CCTV monitors as camera entities",
	Long: `Connects to a Shinobi server, exposes its started monitors as camera
entities on the SlideBolt platform (and optionally over MQTT) and keeps
their recording state up to date.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plugin until interrupted",
	RunE:  runPlugin,
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Describe the plugin to the SlideBolt manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return contract.WriteJSON(cmd.OutOrStdout(), platform.Hello())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $SHINOBI_CONFIG or ./shinobi.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	rootCmd.AddCommand(runCmd, helloCmd)
}

// loadConfig reads the configuration and builds the root logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log), nil
}

func newClient(cfg *config.Config, log zerolog.Logger) *logic.HttpClient {
	return logic.NewShinobiClient(cfg.ClientConfig(), logic.WithLogger(logging.Component(log, "client")))
}

// connectMessenger dials the SlideBolt messenger. Under the manager the
// address comes from the messenger dependency, otherwise from the config.
// A nil Messenger means the platform is not configured.
func connectMessenger(ctx context.Context, cfg *config.Config, session *platform.Session) (messenger.Messenger, error) {
	switch {
	case session != nil:
		ctx, cancel := context.WithTimeout(ctx, cfg.Platform.DependencyTimeout)
		defer cancel()
		deps, err := session.Dependencies(ctx, "messenger")
		if err != nil {
			return nil, err
		}
		msg, err := messenger.Connect(deps)
		return msg, errors.Wrap(err, "connect messenger")
	case cfg.Platform.NATSURL != "":
		msg, err := messenger.ConnectURL(cfg.Platform.NATSURL)
		return msg, errors.Wrapf(err, "connect messenger %s", cfg.Platform.NATSURL)
	default:
		return nil, nil
	}
}

func runPlugin(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().Msg("Starting Shinobi Plugin Sidecar...")

	var session *platform.Session
	if cfg.Platform.Managed {
		session = platform.NewSession(os.Stdin, os.Stdout, logging.Component(log, "runtime"))
		session.Listen()
		go func() {
			select {
			case <-session.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	var pubs device.Publishers

	msg, err := connectMessenger(ctx, cfg, session)
	if err != nil {
		if session != nil {
			_ = session.Fail(err)
		}
		return err
	}
	var plat *platform.Platform
	if msg != nil {
		defer msg.Close()
		plat = platform.New(storage.ClientFrom(msg), msg, logging.Component(log, "platform"))
		pubs = append(pubs, plat)
	}

	var mq *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		if mq, err = mqtt.Connect(cfg.MQTT, logging.Component(log, "mqtt")); err != nil {
			return err
		}
		defer mq.Close()
		pubs = append(pubs, mq)
	}

	if len(pubs) == 0 {
		log.Warn().Msg("Neither the platform nor MQTT is configured, cameras are only listed over HTTP")
	}

	plugin := bundle.NewPlugin(cfg, newClient(cfg, log), pubs, logging.Component(log, "bundle"))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Listen != "" {
		g.Go(func() error {
			return server.Serve(gctx, cfg.HTTP.Listen, server.NewRouter(plugin, plugin, log), logging.Component(log, "http"))
		})
	}

	if err := plugin.Start(gctx); err != nil {
		// stay up so the health endpoint can report why
		log.Error().Err(err).Str("class", logic.Classify(err)).Msg("Shinobi Plugin setup failed, no cameras exposed")
		if session != nil {
			_ = session.Fail(err)
		}
	} else {
		if plat != nil {
			sub, err := plat.SubscribeCommands(plugin)
			if err != nil {
				log.Warn().Err(err).Msg("Platform camera commands are disabled")
			} else {
				defer func() { _ = sub.Unsubscribe() }()
			}
		}
		if mq != nil {
			if err := mq.SubscribeCommands(gctx, plugin.HandleCommand); err != nil {
				log.Warn().Err(err).Msg("MQTT camera commands are disabled")
			}
		}
		if session != nil {
			if err := session.Ready(); err != nil {
				log.Warn().Err(err).Msg("Could not report ready to the manager")
			}
		}
	}

	log.Info().Msg("Shinobi Plugin is running.")
	<-gctx.Done()

	plugin.Shutdown()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shinobi Plugin stopped")
	return nil
}
