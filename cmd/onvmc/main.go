package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/client"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/format"
	"github.com/InsulaLabs/onvm/internal/notify"
	"github.com/InsulaLabs/onvm/internal/resolver"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

const (
	envGateway     = "ONVM_GATEWAY"
	defaultGateway = "http://127.0.0.1:8088"
)

var (
	logger     *slog.Logger
	gatewayURL string
	skipVerify bool
	timeout    time.Duration
	verbose    bool
)

func init() {
	flag.StringVar(&gatewayURL, "gateway", "", "Gateway base URL. Defaults to $"+envGateway+" or "+defaultGateway+".")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification.")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout.")
	flag.BoolVar(&verbose, "v", false, "Verbose logging.")
}

func fail(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), fmt.Sprintf(msg, args...))
	os.Exit(1)
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if gatewayURL == "" {
		gatewayURL = os.Getenv(envGateway)
	}
	if gatewayURL == "" {
		gatewayURL = defaultGateway
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cli, err := client.NewClient(&client.Config{
		BaseURL:    gatewayURL,
		SkipVerify: skipVerify,
		Timeout:    timeout,
		Logger:     logger.WithGroup("client"),
	})
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "info":
		handleInfo(ctx, cli, cmdArgs)
	case "get":
		handleGet(ctx, cli, cmdArgs)
	case "put":
		handlePut(ctx, cli, cmdArgs)
	case "rm":
		handleRemove(ctx, cli, cmdArgs)
	case "verify":
		handleVerify(ctx, cli, cmdArgs)
	case "ls":
		handleList(ctx, cli, cmdArgs)
	case "share":
		handleShare(ctx, cli, cmdArgs)
	case "watch":
		handleWatch(ctx, cli, cmdArgs)
	case "health":
		handleHealth(ctx, cli)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: onvmc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  %s          Gateway base URL\n", envGateway)
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("info"), color.CyanString("<id>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("get"), color.CyanString("<id>"), color.CyanString("[out|-]"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("put"), color.CyanString("<file|->"), color.CyanString("[mime]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("rm"), color.CyanString("<id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("verify"), color.CyanString("<id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("ls"), color.CyanString("[prefix]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("share"), color.CyanString("<id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("watch"), color.CyanString("[topic...]"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("health"))
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "%s usage: onvmc %s\n", color.RedString("Error:"), usage)
		os.Exit(1)
	}
}

func explain(id string, err error) {
	switch {
	case blob.IsNotFound(err):
		fail("Blob '%s' not found.", color.CyanString(id))
	case errors.Is(err, blob.ErrInvalidID):
		fail("'%s' is not a valid blob id.", color.CyanString(id))
	default:
		fail("%v", err)
	}
}

func printInfo(info blob.Info) {
	row := func(label, value string) {
		fmt.Printf("  %-18s %s\n", color.New(color.Faint).Sprint(label), value)
	}
	row("ID", color.CyanString(info.ID))
	row("Size", fmt.Sprintf("%s (%s bytes)", format.FormatSize(info.Size), humanize.Comma(info.Size)))
	row("Chunks", strconv.Itoa(info.ChunkCount))
	row("Subchunks", strconv.Itoa(info.SubchunkCount))
	row("MIME Type", format.MimeType(info))
	row("Detected Type", format.DetectedMimeType(info))
	availability := format.Availability(info)
	if info.AvailableLocally {
		availability = color.GreenString(availability)
	} else {
		availability = color.YellowString(availability)
	}
	row("Available Locally", availability)
	if !info.StoredAt.IsZero() {
		row("Stored", humanize.Time(info.StoredAt))
	}
}

func handleInfo(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "info <id>")
	info, err := cli.GetInfo(ctx, args[0])
	if err != nil {
		explain(args[0], err)
	}
	printInfo(info)
}

func handleGet(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "get <id> [out|-]")
	id := args[0]
	out := id
	if len(args) > 1 {
		out = args[1]
	}

	content, err := cli.GetContent(ctx, id)
	if err != nil {
		explain(id, err)
	}
	defer content.Close()

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			fail("%v", err)
		}
		defer f.Close()
		w = f
	}

	n, err := io.Copy(w, content.Body)
	if err != nil {
		fail("download failed after %s: %v", humanize.IBytes(uint64(n)), err)
	}
	if out != "-" {
		fmt.Fprintf(os.Stderr, "%s %s -> %s\n", color.GreenString("Saved"), format.FormatSize(n), out)
	}
}

func handlePut(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "put <file|-> [mime]")
	path := args[0]
	mime := ""
	if len(args) > 1 {
		mime = args[1]
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fail("%v", err)
		}
		defer f.Close()
		r = f
	}

	info, err := cli.Upload(ctx, r, mime)
	if err != nil {
		if errors.Is(err, client.ErrTooLarge) {
			fail("'%s' exceeds the gateway's size limit.", filepath.Base(path))
		}
		fail("%v", err)
	}
	fmt.Println(color.GreenString("Stored"))
	printInfo(info)
}

func handleRemove(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "rm <id>")
	if err := cli.Delete(ctx, args[0]); err != nil {
		explain(args[0], err)
	}
	fmt.Printf("%s %s\n", color.GreenString("Deleted"), color.CyanString(args[0]))
}

func handleVerify(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "verify <id>")
	if err := cli.Verify(ctx, args[0]); err != nil {
		if errors.Is(err, client.ErrCorrupted) {
			fail("Blob '%s' is corrupted; see the gateway log for the failing chunk.", color.CyanString(args[0]))
		}
		explain(args[0], err)
	}
	fmt.Printf("%s %s\n", color.GreenString("Verified"), color.CyanString(args[0]))
}

func handleList(ctx context.Context, cli *client.Client, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	const pageSize = 500
	total := 0
	for offset := 0; ; offset += pageSize {
		page, err := cli.List(ctx, prefix, offset, pageSize)
		if err != nil {
			fail("%v", err)
		}
		for _, info := range page {
			stored := ""
			if !info.StoredAt.IsZero() {
				stored = humanize.Time(info.StoredAt)
			}
			fmt.Printf("%s  %10s  %-24s %s\n", color.CyanString(info.ID), format.FormatSize(info.Size), format.MimeType(info), stored)
		}
		total += len(page)
		if len(page) < pageSize {
			break
		}
	}
	fmt.Fprintf(os.Stderr, "%s blobs\n", humanize.Comma(int64(total)))
}

func handleShare(ctx context.Context, cli *client.Client, args []string) {
	requireArgs(args, 1, "share <id>")
	links, err := cli.Share(ctx, args[0])
	if err != nil {
		explain(args[0], err)
	}
	fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("Direct:"), links.Direct)
	fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("Share: "), links.Share)
	fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("Embed: "), links.Embed)
}

func handleWatch(ctx context.Context, cli *client.Client, topics []string) {
	if len(topics) == 0 {
		topics = events.DefaultTopics
	}
	fmt.Fprintf(os.Stderr, "Watching %v on %s (ctrl+c to stop)\n", topics, color.CyanString(cli.BaseURL()))
	err := cli.Subscribe(ctx, topics, func(event events.Event) {
		stamp := color.New(color.Faint).Sprint(event.EmittedAt.Format(time.TimeOnly))
		switch event.Topic {
		case events.TopicBlobs:
			be, err := resolver.DecodeBlobEvent(event)
			if err != nil {
				logger.Warn("Undecodable blob event", "error", err)
				return
			}
			fmt.Printf("%s %s %s %s\n", stamp, color.MagentaString(be.Action), color.CyanString(be.Info.ID), format.FormatSize(be.Info.Size))
		case events.TopicNotifications:
			note, err := notify.Decode(event)
			if err != nil {
				logger.Warn("Undecodable notification", "error", err)
				return
			}
			level := color.BlueString(string(note.Level))
			switch note.Level {
			case notify.LevelSuccess:
				level = color.GreenString(string(note.Level))
			case notify.LevelError:
				level = color.RedString(string(note.Level))
			}
			fmt.Printf("%s %s %s\n", stamp, level, note.Message)
		default:
			fmt.Printf("%s %s %s\n", stamp, event.Topic, string(event.Data))
		}
	})
	if err != nil {
		fail("%v", err)
	}
}

func handleHealth(ctx context.Context, cli *client.Client) {
	status, err := cli.Health(ctx)
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("%s uptime %s\n", color.GreenString(status["status"]), status["uptime"])
}
