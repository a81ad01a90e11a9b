package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind            string
	comfyURL        string
	comfyWorkflow   string
	disconnectGrace time.Duration
	maxDecoys       int
	maxPlayers      int
	maxRounds       int
	minPlayers      int
	port            int
	prefix          string
	profile         bool
	roomMaxAge      time.Duration
	showArtTime     time.Duration
	spyGuessTime    time.Duration
	sweepInterval   time.Duration
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
	votingTime      time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.minPlayers < 3 {
		return fmt.Errorf("invalid --min-players (need at least 3 for a meaningful vote): %d", c.minPlayers)
	}
	if c.maxPlayers < c.minPlayers {
		return fmt.Errorf("invalid --max-players (must be >= --min-players): %d", c.maxPlayers)
	}
	if c.maxRounds < 1 {
		return fmt.Errorf("invalid --max-rounds: %d", c.maxRounds)
	}
	if c.showArtTime <= 0 {
		return fmt.Errorf("invalid --show-art-time: %s", c.showArtTime)
	}
	if c.votingTime <= 0 {
		return fmt.Errorf("invalid --voting-time: %s", c.votingTime)
	}
	if c.spyGuessTime <= 0 {
		return fmt.Errorf("invalid --spy-guess-time: %s", c.spyGuessTime)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ARTSPY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "ai-art-spy",
		Short:         "A social deduction drawing game where one player never saw the keyword.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ARTSPY_BIND)")
	fs.StringVar(&cfg.comfyURL, "comfy-url", "", "base URL of the ComfyUI image backend; empty selects the placeholder generator (env: ARTSPY_COMFY_URL)")
	fs.StringVar(&cfg.comfyWorkflow, "comfy-workflow", "", "path to a ComfyUI workflow JSON template (env: ARTSPY_COMFY_WORKFLOW)")
	fs.DurationVar(&cfg.disconnectGrace, "disconnect-grace", 5*time.Second, "time a disconnected player may reconnect before removal (env: ARTSPY_DISCONNECT_GRACE)")
	fs.IntVar(&cfg.maxDecoys, "max-decoys", 15, "maximum decoy keywords shown to the spy when guessing (env: ARTSPY_MAX_DECOYS)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 8, "maximum players per room (env: ARTSPY_MAX_PLAYERS)")
	fs.IntVar(&cfg.maxRounds, "max-rounds", 2, "drawing rounds per game (env: ARTSPY_MAX_ROUNDS)")
	fs.IntVar(&cfg.minPlayers, "min-players", 3, "minimum players needed to start a game (env: ARTSPY_MIN_PLAYERS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: ARTSPY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: ARTSPY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: ARTSPY_PROFILE)")
	fs.DurationVar(&cfg.roomMaxAge, "room-max-age", 4*time.Hour, "age after which rooms are reaped regardless of activity (env: ARTSPY_ROOM_MAX_AGE)")
	fs.DurationVar(&cfg.showArtTime, "show-art-time", 10*time.Second, "how long each reveal turn displays before auto-advancing (env: ARTSPY_SHOW_ART_TIME)")
	fs.DurationVar(&cfg.spyGuessTime, "spy-guess-time", 30*time.Second, "how long the spy may deliberate before the guess is forfeited (env: ARTSPY_SPY_GUESS_TIME)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", 10*time.Minute, "how often empty and aged rooms are reaped; 0 disables (env: ARTSPY_SWEEP_INTERVAL)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: ARTSPY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: ARTSPY_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: ARTSPY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: ARTSPY_VERSION)")
	fs.DurationVar(&cfg.votingTime, "voting-time", 60*time.Second, "how long the accusation vote stays open before a forced tally (env: ARTSPY_VOTING_TIME)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("ai-art-spy v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
