// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/callbridge/internal/app"
	"github.com/petervdpas/callbridge/internal/config"
	"github.com/petervdpas/callbridge/internal/params"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("callbridge v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "call":
		runCall(args[1:])
	case "signal":
		runSignal(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	cfgPath := fs.String("config", "callbridge.json", "config file (created with defaults when missing)")
	pageURL := fs.String("url", "/", "page URL carrying mypeerid and targetpeerid")
	id := fs.String("id", "", "local peer id (overrides mypeerid)")
	target := fs.String("target", "", "peer to call once registered (overrides targetpeerid)")
	signalURL := fs.String("signal", "", "signaling broker URL (overrides signal.url)")
	synthetic := fs.Bool("synthetic", false, "use generated tracks instead of camera and microphone")
	_ = fs.Parse(args)

	absCfg, cfg := loadConfig(*cfgPath)
	if *signalURL != "" {
		cfg.Signal.URL = *signalURL
	}
	if *synthetic {
		cfg.Media.Synthetic = true
	}

	p, err := resolveParams(*pageURL, *id, *target)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		CfgPath: absCfg,
		Cfg:     cfg,
		Params:  p,
	}); err != nil {
		log.Fatalf("Call agent failed: %v", err)
	}
}

func runSignal(args []string) {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	cfgPath := fs.String("config", "callbridge.json", "config file (created with defaults when missing)")
	addr := fs.String("addr", "", "listen address (overrides signal.listen_addr)")
	_ = fs.Parse(args)

	_, cfg := loadConfig(*cfgPath)
	if *addr != "" {
		cfg.Signal.ListenAddr = *addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunSignal(ctx, cfg, func(u string) {
		log.Printf("SIGNAL: clients dial %s?id=<peer id>", u)
	}); err != nil {
		log.Fatalf("Signal broker failed: %v", err)
	}
}

// resolveParams merges -id and -target into the page URL and resolves it
// the way a page load does: a missing mypeerid is generated.
func resolveParams(pageURL, id, target string) (params.Params, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return params.Params{}, err
	}
	q := u.Query()
	if id != "" {
		q.Set(params.KeyPeerID, id)
	}
	if target != "" {
		q.Set(params.KeyTargetID, target)
	}
	u.RawQuery = q.Encode()
	return params.MustResolve(u.String())
}

func loadConfig(path string) (string, config.Config) {
	absCfg, err := filepath.Abs(path)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", absCfg)
	}
	return absCfg, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("callbridge - headless peer-to-peer call agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callbridge call [flags]     Run a call agent")
	fmt.Println("  callbridge signal [flags]   Host the signaling broker")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  call -config <file> -id <peer> -target <peer> -url <page url>")
	fmt.Println("        Registers with the broker, calls -target when given and")
	fmt.Println("        writes CALL_EVENT:{json} lines to stdout")
	fmt.Println()
	fmt.Println("  signal -config <file> -addr <host:port>")
	fmt.Println("        Relays offers, answers and candidates between agents")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  callbridge signal -addr 127.0.0.1:9000")
	fmt.Println("  callbridge call -id bob")
	fmt.Println("  callbridge call -url '/?mypeerid=alice&targetpeerid=bob'")
}
