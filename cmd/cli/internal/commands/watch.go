package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/client"
	"github.com/parleyhq/parley/internal/reconcile"
)

type WatchCmd struct {
	Server         string        `help:"Server URL" default:"http://localhost:8080" env:"PARLEY_SERVER"`
	ConversationID string        `arg:"" help:"Conversation ID to watch"`
	Credential     string        `help:"Gateway credential, a user id in passthrough mode or a signed token" env:"PARLEY_TOKEN"`
	PollInterval   time.Duration `help:"Polling feed interval" default:"2s"`
	RenderInterval time.Duration `help:"How often the merged view is re-rendered" default:"500ms"`
	NoGateway      bool          `help:"Skip the websocket gateway and rely on polling alone" default:"false"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	fmt.Printf("Watching conversation %s on server %s\n", w.ConversationID, w.Server)

	api, err := client.New(client.Config{ServerURL: w.Server})
	if err != nil {
		return err
	}

	reconciler := reconcile.New(w.ConversationID)

	// The feed is the fallback source. It runs even with the gateway
	// connected so a dropped event only delays convergence by one poll.
	feed := reconcile.NewPollingFeed(api, reconciler, w.PollInterval)
	feed.Start()
	defer feed.Stop()

	if !w.NoGateway {
		gw, err := reconcile.NewClient(reconcile.ClientConfig{
			URL:        gatewayURL(w.Server),
			Credential: w.Credential,
			Fetcher:    api,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway client: %w", err)
		}
		gw.Track(reconciler)
		gw.Start()
		defer gw.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Received interrupt signal, shutting down...")
		cancel()
	}()

	renderLoop(ctx, reconciler, w.RenderInterval)

	fmt.Println("Watch finished")
	return nil
}

// gatewayURL derives the websocket endpoint from the API root.
func gatewayURL(serverURL string) string {
	url := strings.TrimRight(serverURL, "/")
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

// renderLoop reprints the merged transcript whenever it changes. Blocks
// until the context is cancelled.
func renderLoop(ctx context.Context, r *reconcile.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := renderTranscript(r)
		if current == last {
			continue
		}
		last = current

		fmt.Println(strings.Repeat("=", 50))
		fmt.Print(current)
	}
}

func renderTranscript(r *reconcile.Reconciler) string {
	var b strings.Builder

	fmt.Fprintf(&b, "state: %s", r.State())
	if reason := r.LastError(); reason != "" {
		fmt.Fprintf(&b, " (last error: %s)", reason)
	}
	b.WriteString("\n")

	for _, entry := range r.Messages() {
		fmt.Fprintf(&b, "[%s] %-9s %s\n",
			entry.Timestamp.Format("15:04:05"),
			entry.Role,
			entry.Content)
	}

	return b.String()
}
