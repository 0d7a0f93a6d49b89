package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"filexfer/internal/config"
	"filexfer/internal/storage"
	"filexfer/pkg/logger"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
)

// envKeys are the configuration keys that may be set from FILEXFER_* variables
var envKeys = []string{
	"service.addr.ip",
	"service.addr.port",
	"service.transport",
	"storage.dir",
	"storage.chunk_size",
	"storage.min_free_bytes",
	"protocol.timeout",
	"protocol.max_retries",
	"protocol.transfer_timeout",
	"protocol.receive_timeout",
	"protocol.send_rate",
	"webrtc.label",
	"firebase.project_id",
	"firebase.database_url",
	"firebase.credentials_path",
	"log.file",
	"log.level",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "filexfer",
	Short: "filexfer - resumable content-addressed file transfer",
	Long: `filexfer moves files between a client and a long-running service.

Files are split into fixed-size chunks stored under their content hash.
Only the chunks the other side is missing travel, so an interrupted
transfer resumes where it stopped, and the result is verified against
the hash before it is written to its destination.

Usage:
  Run the service:   filexfer serve
  Upload a file:     filexfer upload --src ./report.pdf --dst /srv/report.pdf
  Download a file:   filexfer download --src /srv/report.pdf --dst ./report.pdf`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env file is not an error
		_ = godotenv.Load()

		initConfig()

		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		logger.Init(cfg.Log.File, cfg.Log.Level)
		return nil
	},
}

func init() {
	// Add global flags
	// flag defaults double as viper's fallback values
	defaults := config.NewDefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.filexfer.toml)")
	flags.String("addr", defaults.Service.Addr.IP, "service IP address")
	flags.Int("port", defaults.Service.Addr.Port, "service UDP port")
	flags.String("transport", defaults.Service.Transport, "transport between client and service: udp or webrtc")
	flags.String("storage", defaults.Storage.Dir, "chunk storage directory")
	flags.String("log-level", defaults.Log.Level, "log level: debug, info, warn or error")

	_ = viper.BindPFlag("service.addr.ip", flags.Lookup("addr"))
	_ = viper.BindPFlag("service.addr.port", flags.Lookup("port"))
	_ = viper.BindPFlag("service.transport", flags.Lookup("transport"))
	_ = viper.BindPFlag("storage.dir", flags.Lookup("storage"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))

	// Set up viper environment variable support
	viper.SetEnvPrefix("FILEXFER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not find home directory: %v\n", err)
			return
		}

		// Search config in home directory with name ".filexfer" (without extension)
		viper.AddConfigPath(home)
		viper.SetConfigType("toml")
		viper.SetConfigName(".filexfer")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			color.Yellow("\nReceived interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// openStore opens the configured chunk store
func openStore() (*storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage.Dir, cfg.Storage.ChunkSize, cfg.Storage.MinFreeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %s: %w", cfg.Storage.Dir, err)
	}
	return store, nil
}
