package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/onvm/internal/client"
	"github.com/InsulaLabs/onvm/internal/explorer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

const envGateway = "ONVM_GATEWAY"

func main() {
	_ = godotenv.Load()

	var (
		gatewayURL  string
		origin      string
		skipVerify  bool
		downloadDir string
		logFile     string
		useOSC52    bool
		initialID   string
	)
	flag.StringVar(&gatewayURL, "gateway", os.Getenv(envGateway), "Gateway base URL.")
	flag.StringVar(&origin, "origin", "", "Public origin for share links. Defaults to the gateway URL.")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification.")
	flag.StringVar(&downloadDir, "download-dir", "downloads", "Where downloaded blobs are written.")
	flag.StringVar(&logFile, "log-file", filepath.Join(os.TempDir(), "onvmx.log"), "Log file; the terminal belongs to the UI.")
	flag.BoolVar(&useOSC52, "osc52", false, "Copy through the terminal (OSC 52) instead of the system clipboard.")
	flag.StringVar(&initialID, "id", "", "Blob ID to look up on start.")
	flag.Parse()

	if gatewayURL == "" {
		gatewayURL = "http://127.0.0.1:8088"
	}
	if origin == "" {
		origin = gatewayURL
	}

	var out io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger := slog.New(log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "onvmx",
		Level:           log.DebugLevel,
	}))

	cli, err := client.NewClient(&client.Config{
		BaseURL:    gatewayURL,
		SkipVerify: skipVerify,
		Timeout:    30 * time.Second,
		Logger:     logger.WithGroup("client"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	var clip explorer.Clipboard = explorer.SystemClipboard{}
	if useOSC52 {
		clip = explorer.OSC52Clipboard{Out: os.Stdout, Tmux: os.Getenv("TMUX") != ""}
	}

	model, err := explorer.New(explorer.Config{
		Logger:       logger,
		Context:      context.Background(),
		Resolver:     cli,
		PublicOrigin: origin,
		Clipboard:    clip,
		DownloadDir:  downloadDir,
		InitialID:    initialID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
	defer model.Close()

	logger.Info("Explorer starting", "gateway", cli.BaseURL())
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
