package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/imet/client"
	"github.com/guseggert/imet/console"
	"github.com/guseggert/imet/internal/config"
	"github.com/guseggert/imet/internal/files"
	"github.com/guseggert/imet/sample"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "imet",
		Usage: "interactive console for imet agents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of a YAML config file. Flags that are set explicitly take precedence over it.",
				EnvVars: []string{"IMET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "connect",
				Usage:   "Agent address (host[:port]) to connect to on startup.",
				EnvVars: []string{"IMET_CONNECT"},
			},
			&cli.StringFlag{
				Name:    "samples-dir",
				Usage:   "Local sample directory used by create and upload. Defaults to the nearest \"samples\" directory above the working directory.",
				EnvVars: []string{"IMET_SAMPLES_DIR"},
			},
			&cli.StringFlag{
				Name:    "template",
				Usage:   "File that new samples are rendered from. A built-in shell template is used if unset.",
				EnvVars: []string{"IMET_TEMPLATE"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "How often to ping the agent. Zero disables the heartbeat.",
				Value:   client.DefaultHeartbeatInterval,
				EnvVars: []string{"IMET_HEARTBEAT_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-timeout",
				Usage:   "How long to wait for a pong before treating the connection as lost.",
				Value:   client.DefaultHeartbeatTimeout,
				EnvVars: []string{"IMET_HEARTBEAT_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "connect-timeout",
				Usage:   "Upper bound on establishing a connection.",
				Value:   10 * time.Second,
				EnvVars: []string{"IMET_CONNECT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "history-file",
				Usage:   "File the console keeps its line history in. Defaults to ~/.imet_history.",
				EnvVars: []string{"IMET_HISTORY_FILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level, one of [debug,info,warn,error].",
				Value:   "warn",
				EnvVars: []string{"IMET_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			opts, err := loadOptions(ctx)
			if err != nil {
				return err
			}

			level, err := zapcore.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			tmpl := sample.DefaultTemplate
			if opts.template != "" {
				b, err := os.ReadFile(opts.template)
				if err != nil {
					return fmt.Errorf("reading template: %w", err)
				}
				tmpl = string(b)
			}
			if opts.samplesDir == "" {
				opts.samplesDir = defaultSamplesDir(logger.Sugar())
			}
			if opts.historyFile == "" {
				opts.historyFile = defaultHistoryFile()
			}

			consoleOpts := []console.Option{
				console.WithLogger(logger),
				console.WithSamplesDir(opts.samplesDir),
				console.WithTemplate(tmpl),
				console.WithConnectTimeout(opts.connectTimeout),
				console.WithHistoryFile(opts.historyFile),
				console.WithSessionOptions(client.WithHeartbeat(opts.heartbeatInterval, opts.heartbeatTimeout)),
			}
			if opts.connect != "" {
				consoleOpts = append(consoleOpts, console.WithStartupCommands("connect "+opts.connect))
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			c, err := console.New(consoleOpts...)
			if err != nil {
				return err
			}
			return c.Run(sigCtx)
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	connect           string
	samplesDir        string
	template          string
	historyFile       string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	connectTimeout    time.Duration
	logLevel          string
}

// loadOptions merges flag defaults, the config file and explicitly set flags, in that order.
func loadOptions(ctx *cli.Context) (options, error) {
	opts := options{
		connect:           ctx.String("connect"),
		samplesDir:        ctx.String("samples-dir"),
		template:          ctx.String("template"),
		historyFile:       ctx.String("history-file"),
		heartbeatInterval: ctx.Duration("heartbeat-interval"),
		heartbeatTimeout:  ctx.Duration("heartbeat-timeout"),
		connectTimeout:    ctx.Duration("connect-timeout"),
		logLevel:          ctx.String("log-level"),
	}
	path := ctx.String("config")
	if path == "" {
		return opts, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return opts, err
	}

	setString := func(flag string, dst *string, v string) {
		if v != "" && !ctx.IsSet(flag) {
			*dst = v
		}
	}
	setDuration := func(flag string, dst *time.Duration, v time.Duration) {
		if v != 0 && !ctx.IsSet(flag) {
			*dst = v
		}
	}
	setString("connect", &opts.connect, cfg.Console.Connect)
	setString("samples-dir", &opts.samplesDir, cfg.Console.SamplesDir)
	setString("template", &opts.template, cfg.Console.Template)
	setString("history-file", &opts.historyFile, cfg.Console.HistoryFile)
	setString("log-level", &opts.logLevel, cfg.Logging.Level)
	setDuration("heartbeat-interval", &opts.heartbeatInterval, cfg.Console.HeartbeatInterval)
	setDuration("heartbeat-timeout", &opts.heartbeatTimeout, cfg.Console.HeartbeatTimeout)
	setDuration("connect-timeout", &opts.connectTimeout, cfg.Console.ConnectTimeout)
	return opts, nil
}

func defaultSamplesDir(logger *zap.SugaredLogger) string {
	wd, err := os.Getwd()
	if err != nil {
		return "samples"
	}
	dir, err := files.FindUp("samples", wd)
	if err != nil {
		logger.Debugf("looking for a samples directory: %s", err)
	}
	if dir == "" {
		return "samples"
	}
	return dir
}

// defaultHistoryFile returns ~/.imet_history, or "" to keep history in memory only.
func defaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".imet_history")
}
