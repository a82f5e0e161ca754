// Package cli implements the haexpose command line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/config"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/exposure"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/output"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const examples = `  # Expose a single entity
  haexpose expose sensor.flex_d_status

  # Expose multiple entities
  haexpose expose sensor.flex_d_status sensor.nas_status

  # Unexpose entities
  haexpose unexpose sensor.old_sensor

  # List currently exposed entities
  haexpose list

  # Check if specific entities are exposed
  haexpose check sensor.flex_d_status sensor.nas_status

Environment variables required:
  HASS_SERVER  Home Assistant server URL (e.g. http://homeassistant.local:8123)
  HASS_TOKEN   Long-lived access token`

// errReported marks failures whose message has already been printed
var errReported = errors.New("reported")

type app struct {
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger

	configFile string
	envFile    string
	server     string
	token      string
	timeout    string
	output     string
	verbose    bool
}

// Execute runs the CLI with args and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		logger: zap.NewNop(),
	}

	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.logger.Sync()
	if err != nil {
		if !errors.Is(err, errReported) {
			a.reportError(err)
		}
		return 1
	}
	return 0
}

// reportError prints err as an "ERROR: ..." line on stderr
func (a *app) reportError(err error) {
	msg := err.Error()
	if r, size := utf8.DecodeRuneInString(msg); size > 0 {
		msg = string(unicode.ToUpper(r)) + msg[size:]
	}
	fmt.Fprintf(a.stderr, "ERROR: %s\n", msg)
}

func (a *app) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "haexpose",
		Short: "Manage entity exposure to the Home Assistant conversation agent",
		Long: `haexpose exposes or unexposes Home Assistant entities to the conversation
agent (the AI assistant), and lists or checks which entities are exposed.`,
		Example:       examples,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = newLogger(a.verbose, a.stderr)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Help()
			return errReported
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.server, "server", "", "Home Assistant server URL (overrides "+config.EnvServer+")")
	flags.StringVar(&a.token, "token", "", "long-lived access token (overrides "+config.EnvToken+")")
	flags.StringVar(&a.configFile, "config", "", "optional YAML config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load")
	flags.StringVar(&a.timeout, "timeout", "", "bound on the whole command, e.g. 30s (default: wait forever)")
	flags.StringVarP(&a.output, "output", "o", "", "output format: text, json or yaml")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.newExposeCommand(),
		a.newUnexposeCommand(),
		a.newListCommand(),
		a.newCheckCommand(),
	)
	return root
}

// newLogger logs warnings only unless verbose is set
func newLogger(verbose bool, w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if verbose {
		level = zapcore.DebugLevel
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core)
}

// session is what a command handler gets to work with
type session struct {
	manager *exposure.Manager
	printer *output.Printer
}

// withSession loads the configuration, connects and authenticates, runs fn
// and always closes the connection afterwards.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := config.NewLoader(a.logger).Load(config.LoadOptions{
		ConfigFile: a.configFile,
		EnvFile:    a.envFile,
		Server:     a.server,
		Token:      a.token,
		Timeout:    a.timeout,
		Output:     a.output,
	})
	if errors.Is(err, config.ErrConfigMissing) {
		a.reportError(err)
		fmt.Fprintln(a.stderr, "  export HASS_SERVER=http://homeassistant.local:8123")
		fmt.Fprintln(a.stderr, "  export HASS_TOKEN=your_token_here")
		return errReported
	}
	if err != nil {
		return err
	}

	url, err := ha.WebsocketURL(cfg.Server)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	client := ha.NewClient(url, cfg.Token, a.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			a.logger.Debug("Error closing connection", zap.Error(err))
		}
	}()

	return fn(ctx, &session{
		manager: exposure.NewManager(client, a.logger),
		printer: output.NewPrinter(a.stdout, cfg.Output),
	})
}
