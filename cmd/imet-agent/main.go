package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/imet/agent"
	"github.com/guseggert/imet/agent/process"
	"github.com/guseggert/imet/internal/config"
	"github.com/guseggert/imet/internal/files"
	"github.com/guseggert/imet/sample"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "imet-agent",
		Usage: "the agent that runs commands and samples for the imet console",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of a YAML config file. Flags that are set explicitly take precedence over it.",
				EnvVars: []string{"IMET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the WebSocket server to listen on.",
				Value:   agent.DefaultListenAddr,
				EnvVars: []string{"IMET_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "samples-dir",
				Usage:   "Directory holding the sample catalogue. Defaults to the nearest \"samples\" directory above the working directory.",
				EnvVars: []string{"IMET_SAMPLES_DIR"},
			},
			&cli.StringFlag{
				Name:    "shell",
				Usage:   "Interpreter used to run commands and samples, invoked as <shell> -c <code>.",
				Value:   "/bin/sh",
				EnvVars: []string{"IMET_SHELL"},
			},
			&cli.StringFlag{
				Name:    "work-dir",
				Usage:   "Working directory for commands. Defaults to the agent's.",
				EnvVars: []string{"IMET_WORK_DIR"},
			},
			&cli.DurationFlag{
				Name:    "exec-timeout",
				Usage:   "Upper bound on a single command or sample run. Zero means none.",
				EnvVars: []string{"IMET_EXEC_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "keepalive-interval",
				Usage:   "How often to ping each console connection. Zero disables pings.",
				Value:   20 * time.Second,
				EnvVars: []string{"IMET_KEEPALIVE_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "keepalive-timeout",
				Usage:   "How long to wait for a pong before dropping a connection.",
				Value:   10 * time.Second,
				EnvVars: []string{"IMET_KEEPALIVE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level, one of [debug,info,warn,error].",
				Value:   "info",
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

			if opts.samplesDir == "" {
				opts.samplesDir = defaultSamplesDir(logger.Sugar())
			}

			shell := &process.Shell{
				Log:     logger.Named("process").Sugar(),
				Path:    opts.shell,
				WD:      opts.workDir,
				Timeout: opts.execTimeout,
			}
			a, err := agent.NewAgent(
				agent.WithLogger(logger),
				agent.WithListenAddr(opts.listenAddr),
				agent.WithKeepalive(opts.keepaliveInterval, opts.keepaliveTimeout),
				agent.WithExecutor(shell),
				agent.WithCompleter(shell),
				agent.WithCatalogue(sample.NewCatalogue(opts.samplesDir)),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}
			logger.Sugar().Infow("serving samples", "Dir", opts.samplesDir)

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				if err := a.Stop(); err != nil {
					logger.Sugar().Warnf("stopping agent: %s", err)
				}
			}()

			return a.Run()
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	listenAddr        string
	samplesDir        string
	shell             string
	workDir           string
	execTimeout       time.Duration
	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	logLevel          string
}

// loadOptions merges flag defaults, the config file and explicitly set flags, in that order.
func loadOptions(ctx *cli.Context) (options, error) {
	opts := options{
		listenAddr:        ctx.String("listen-addr"),
		samplesDir:        ctx.String("samples-dir"),
		shell:             ctx.String("shell"),
		workDir:           ctx.String("work-dir"),
		execTimeout:       ctx.Duration("exec-timeout"),
		keepaliveInterval: ctx.Duration("keepalive-interval"),
		keepaliveTimeout:  ctx.Duration("keepalive-timeout"),
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
	setString("listen-addr", &opts.listenAddr, cfg.Agent.ListenAddr)
	setString("samples-dir", &opts.samplesDir, cfg.Agent.SamplesDir)
	setString("shell", &opts.shell, cfg.Agent.Shell)
	setString("work-dir", &opts.workDir, cfg.Agent.WorkDir)
	setString("log-level", &opts.logLevel, cfg.Logging.Level)
	setDuration("exec-timeout", &opts.execTimeout, cfg.Agent.ExecTimeout)
	setDuration("keepalive-interval", &opts.keepaliveInterval, cfg.Agent.KeepaliveInterval)
	setDuration("keepalive-timeout", &opts.keepaliveTimeout, cfg.Agent.KeepaliveTimeout)
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
