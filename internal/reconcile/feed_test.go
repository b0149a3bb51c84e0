package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/models"
)

// fakeFetcher is an in-memory Fetcher for feed and client tests.
type fakeFetcher struct {
	mu            sync.Mutex
	messages      map[string][]*models.Message
	conversations map[string]*models.Conversation
	listErr       error
	listCalls     int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		messages:      make(map[string][]*models.Message),
		conversations: make(map[string]*models.Conversation),
	}
}

func (f *fakeFetcher) setMessages(conversationID string, msgs ...*models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = append([]*models.Message(nil), msgs...)
}

func (f *fakeFetcher) addMessage(msg *models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
}

func (f *fakeFetcher) setConversation(conversationID, userID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[conversationID] = &models.Conversation{
		ID:        conversationID,
		UserID:    userID,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}

func (f *fakeFetcher) setListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeFetcher) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeFetcher) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]*models.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeFetcher) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conv, ok := f.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	copied := *conv
	return &copied, nil
}

func (f *fakeFetcher) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, msgs := range f.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				copied := *msg
				return &copied, nil
			}
		}
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

func TestPollingFeedAppliesUpdates(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.setMessages("conv-1",
		userMsg("msg-1", "Say hello"),
		assistantMsg("msg-2", "Say hello", "Hello"),
	)
	fetcher.setConversation("conv-1", "user-1", models.ConversationReplying)

	r := New("conv-1")

	feed := NewPollingFeed(fetcher, r, 10*time.Millisecond)
	feed.Start()
	defer feed.Stop()

	require.Eventually(t, func() bool {
		return len(r.Messages()) == 2 && r.State() == models.ConversationReplying
	}, 3*time.Second, 10*time.Millisecond)

	// The authoritative row advances; the feed picks it up.
	fetcher.setMessages("conv-1",
		userMsg("msg-1", "Say hello"),
		assistantMsg("msg-2", "Say hello", "Hello world"),
	)
	fetcher.setConversation("conv-1", "user-1", models.ConversationIdle)

	require.Eventually(t, func() bool {
		msgs := r.Messages()
		return len(msgs) == 2 && msgs[1].Content == "Hello world" && r.State() == models.ConversationIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPollingFeedPollOnce(t *testing.T) {
	t.Run("applies one fetch", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.setMessages("conv-1", userMsg("msg-1", "hi"))
		fetcher.setConversation("conv-1", "user-1", models.ConversationIdle)

		r := New("conv-1")
		feed := NewPollingFeed(fetcher, r, time.Hour)

		require.NoError(t, feed.PollOnce(context.Background()))
		require.Len(t, r.Messages(), 1)
	})

	t.Run("propagates fetch errors", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.setListError(errors.New("server unavailable"))

		feed := NewPollingFeed(fetcher, New("conv-1"), time.Hour)
		require.Error(t, feed.PollOnce(context.Background()))
	})
}

func TestPollingFeedRecoversFromErrors(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.setListError(errors.New("server unavailable"))
	fetcher.setConversation("conv-1", "user-1", models.ConversationIdle)

	r := New("conv-1")

	feed := NewPollingFeed(fetcher, r, 10*time.Millisecond)
	feed.Start()
	defer feed.Stop()

	require.Eventually(t, func() bool { return fetcher.listCount() > 2 }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, r.Messages())

	fetcher.setListError(nil)
	fetcher.setMessages("conv-1", userMsg("msg-1", "hi"))

	require.Eventually(t, func() bool {
		return len(r.Messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPollingFeedDefaultInterval(t *testing.T) {
	feed := NewPollingFeed(newFakeFetcher(), New("conv-1"), 0)
	require.Equal(t, DefaultPollInterval, feed.interval)
}
