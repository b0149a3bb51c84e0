package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often the feed re-fetches when not configured.
const DefaultPollInterval = 2 * time.Second

// PollingFeed periodically fetches a conversation's authoritative messages
// and state and applies them to the reconciler. It is the explicit
// fallback source: it repairs anything the push path dropped.
type PollingFeed struct {
	fetcher    Fetcher
	reconciler *Reconciler
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollingFeed creates a feed for the reconciler's conversation.
func NewPollingFeed(fetcher Fetcher, reconciler *Reconciler, interval time.Duration) *PollingFeed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingFeed{
		fetcher:    fetcher,
		reconciler: reconciler,
		interval:   interval,
	}
}

// Start launches the poll loop.
func (f *PollingFeed) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.PollOnce(ctx); err != nil && ctx.Err() == nil {
					log.Debug().Err(err).
						Str("conversation_id", f.reconciler.ConversationID()).
						Msg("Feed poll failed")
				}
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (f *PollingFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// PollOnce fetches the conversation once and applies what it finds.
func (f *PollingFeed) PollOnce(ctx context.Context) error {
	conversationID := f.reconciler.ConversationID()

	messages, err := f.fetcher.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		f.reconciler.Apply(RemoteMessage{Source: SourceFeed, Message: msg})
	}

	conv, err := f.fetcher.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	f.reconciler.Apply(ConversationState{Source: SourceFeed, State: conv.State})

	return nil
}
