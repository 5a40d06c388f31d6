package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fpemud/virt-service/pkg/config"
	"github.com/fpemud/virt-service/pkg/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	programName    = "virt-serviced"
	programVersion = "0.1.0"
)

var (
	configPath   string
	debugMode    bool
	runDir       string
	idleTimeout  string
	statusSocket string
	sessionBus   bool
)

const longDescription = `virt-serviced hands out bridges, NAT segments, routed and isolated
networks and per-guest tap interfaces to unprivileged users over D-Bus, and
runs DHCP and file sharing for the networks that need them. Everything a
client created is torn down when the client goes away.`

var rootCmd = &cobra.Command{
	Use:          programName,
	Short:        "Virtual network service for unprivileged virtual machines",
	Long:         longDescription,
	Version:      programVersion,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&runDir, "run-dir", "", "Scratch directory for service configuration and state")
	rootCmd.Flags().StringVar(&idleTimeout, "idle-timeout", "", "Exit after this long without live resources (0s disables)")
	rootCmd.Flags().StringVar(&statusSocket, "status-socket", "", `Status socket path ("none" disables)`)
	rootCmd.Flags().BoolVar(&sessionBus, "session-bus", false, "Serve on the session bus instead of the system bus")
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if runDir != "" {
		cfg.Paths.RunDir = runDir
	}
	if idleTimeout != "" {
		cfg.Timeouts.Idle = idleTimeout
	}
	if statusSocket != "" {
		cfg.Paths.StatusSocket = statusSocket
	}
	if sessionBus {
		cfg.Bus.Type = config.BusSession
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	// Configure logging
	if debugMode {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Starting %s version %s", programName, programVersion)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logrus.Debugf("Run directory: %s", cfg.Paths.RunDir)

	d, err := daemon.New(cfg, logrus.StandardLogger(), daemon.Options{})
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrIdle) {
		logrus.Info("Exiting after idle timeout")
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
