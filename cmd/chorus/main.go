package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/chorus/cmd/chorus/cmds"
	"github.com/go-go-golems/chorus/pkg/config"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "chorus streams chat generations and keeps the local conversation in sync",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed now, so --log-level and co take effect
		initLogger()
		settings, err := config.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		log.Debug().
			Str("config", viper.ConfigFileUsed()).
			Object("settings", settings).
			Msg("Loaded configuration")
		cmds.SetSettings(settings)
		return nil
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
	var logWriter io.Writer
	if config.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	} else {
		logWriter = os.Stderr
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func initCommands(rootCmd *cobra.Command, configFile string, envFiles []string) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	if err := config.InitViper(viper.GetViper(), configFile); err != nil {
		return err
	}
	if err := config.BindFlags(viper.GetViper(), rootCmd.PersistentFlags()); err != nil {
		return err
	}
	for _, name := range []string{"log-level", "log-format", "log-file", "with-caller", "verbose"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			return err
		}
	}

	// picks up the log settings of the config file before the flags are parsed
	initLogger()
	return nil
}

// flagValue finds --name value or --name=value before cobra parses the flags.
func flagValue(args []string, name string) string {
	for idx, arg := range args {
		if arg == "--"+name && len(args) > idx+1 {
			return args[idx+1]
		}
		if v, ok := strings.CutPrefix(arg, "--"+name+"="); ok {
			return v
		}
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Log file (default: stderr)")
	flags.Bool("verbose", false, "Verbose output")
	flags.String("config", "", "Path to config file (default ~/.chorus/config.yaml)")
	flags.String("env-file", "", "Load environment variables from this file (default .env)")
	config.AddFlags(flags)

	var envFiles []string
	if f := flagValue(os.Args, "env-file"); f != "" {
		envFiles = append(envFiles, f)
	}
	if err := initCommands(rootCmd, flagValue(os.Args, "config"), envFiles); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(
		cmds.NewSendCommand(),
		cmds.NewCompareCommand(),
		cmds.NewEditCommand(),
		cmds.NewRegenerateCommand(),
		cmds.NewReplayCommand(),
		cmds.NewSessionsCommand(),
		cmds.NewFixtureServerCommand(),
	)
}
