package matrix

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

type posted struct {
	kind    string
	roomID  string
	eventID string
	text    string
}

type fakeSender struct {
	mu    sync.Mutex
	posts []posted
	err   error
}

func (s *fakeSender) Reply(_ context.Context, roomID, eventID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, posted{"reply", roomID, eventID, text})
	return s.err
}

func (s *fakeSender) Notice(_ context.Context, roomID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, posted{"notice", roomID, "", text})
	return s.err
}

type fakeOrch struct {
	events []orchestrator.Event
	err    error
}

func (o *fakeOrch) OpenAndSubmit(_ context.Context, ev orchestrator.Event) (orchestrator.Reply, error) {
	o.events = append(o.events, ev)
	if o.err != nil {
		return orchestrator.Reply{}, o.err
	}
	return orchestrator.Reply{SessionKey: ev.SessionKey, Text: "processed: " + ev.Text}, nil
}

func TestHandle_RepliesInThread(t *testing.T) {
	sender := &fakeSender{}
	orch := &fakeOrch{}
	in := newIngress(Config{UserID: "@kioku:example.org", Rooms: []string{"!room:example.org"}}, sender, orch, nil, zerolog.Nop())

	sent := time.UnixMilli(1_700_000_000_000)
	in.handle(context.Background(), "!room:example.org", "@alice:example.org", "$evt1", "  hello  ", sent)

	require.Len(t, orch.events, 1)
	ev := orch.events[0]
	assert.Equal(t, "!room:example.org:@alice:example.org", ev.SessionKey)
	assert.Equal(t, "hello", ev.Text)
	assert.True(t, ev.ReceivedAt.Equal(sent))

	require.Len(t, sender.posts, 1)
	assert.Equal(t, posted{"reply", "!room:example.org", "$evt1", "processed: hello"}, sender.posts[0])
}

func TestHandle_IgnoresOtherRoomsAndBlank(t *testing.T) {
	sender := &fakeSender{}
	orch := &fakeOrch{}
	in := newIngress(Config{Rooms: []string{"!room:example.org"}}, sender, orch, nil, zerolog.Nop())

	in.handle(context.Background(), "!other:example.org", "@bob:example.org", "$e", "hi", time.Now())
	in.handle(context.Background(), "!room:example.org", "@bob:example.org", "$e", "   ", time.Now())
	assert.Empty(t, orch.events)
	assert.Empty(t, sender.posts)
}

func TestHandle_NoRoomFilterAcceptsAll(t *testing.T) {
	orch := &fakeOrch{}
	in := newIngress(Config{}, &fakeSender{}, orch, nil, zerolog.Nop())
	in.handle(context.Background(), "!any:example.org", "@bob:example.org", "$e", "hi", time.Now())
	assert.Len(t, orch.events, 1)
}

func TestHandle_ErrorNotices(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"generation failed", orchestrator.ErrGenerationFailed, "Could not generate a reply, please try again."},
		{"other", errors.New("boom"), "Service unavailable."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			in := newIngress(Config{}, sender, &fakeOrch{err: tt.err}, nil, zerolog.Nop())
			in.handle(context.Background(), "!r:x", "@a:x", "$e", "q", time.Now())
			require.Len(t, sender.posts, 1)
			assert.Equal(t, "notice", sender.posts[0].kind)
			assert.Equal(t, tt.want, sender.posts[0].text)
		})
	}
}

func TestHandle_RateLimited(t *testing.T) {
	sender := &fakeSender{}
	orch := &fakeOrch{}
	in := newIngress(Config{}, sender, orch, dispatch.NewRateLimiter(1, time.Minute), zerolog.Nop())

	in.handle(context.Background(), "!r:x", "@a:x", "$1", "one", time.Now())
	in.handle(context.Background(), "!r:x", "@a:x", "$2", "two", time.Now())
	assert.Len(t, orch.events, 1)
	require.Len(t, sender.posts, 2)
	assert.Equal(t, "notice", sender.posts[1].kind)
}

// gatedOrch holds every event from @slow until gate closes.
type gatedOrch struct {
	gate chan struct{}
	mu   sync.Mutex
	seen []string
}

func (o *gatedOrch) OpenAndSubmit(ctx context.Context, ev orchestrator.Event) (orchestrator.Reply, error) {
	if ev.SessionKey == SessionKey("!r:x", "@slow:x") {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return orchestrator.Reply{}, ctx.Err()
		}
	}
	o.mu.Lock()
	o.seen = append(o.seen, ev.Text)
	o.mu.Unlock()
	return orchestrator.Reply{SessionKey: ev.SessionKey, Text: "processed: " + ev.Text}, nil
}

func (o *gatedOrch) processed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func TestEnqueue_SessionsRunInParallel(t *testing.T) {
	orch := &gatedOrch{gate: make(chan struct{})}
	sender := &fakeSender{}
	in := newIngress(Config{}, sender, orch, nil, zerolog.Nop())

	in.enqueue("!r:x", "@slow:x", "$1", "slow one", time.Now())
	in.enqueue("!r:x", "@slow:x", "$2", "slow two", time.Now())
	in.enqueue("!r:x", "@fast:x", "$3", "fast", time.Now())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"fast"}, orch.processed())
	}, 2*time.Second, 5*time.Millisecond)

	close(orch.gate)
	in.queue.Close()
	assert.Equal(t, []string{"fast", "slow one", "slow two"}, orch.processed())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.posts, 3)
	assert.Equal(t, "$1", sender.posts[1].eventID)
	assert.Equal(t, "$2", sender.posts[2].eventID)
}

func TestNew_RequiresHomeserver(t *testing.T) {
	_, err := New(Config{UserID: "@k:x"}, &fakeOrch{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestDBSyncStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ss := NewDBSyncStore(s.DB())
	ctx := context.Background()
	user := id.UserID("@kioku:example.org")

	got, err := ss.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, ss.SaveNextBatch(ctx, user, "s1_100"))
	require.NoError(t, ss.SaveNextBatch(ctx, user, "s1_200"))
	got, err = ss.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "s1_200", got)

	require.NoError(t, ss.SaveFilterID(ctx, user, "f-7"))
	got, err = ss.LoadFilterID(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "f-7", got)

	other, err := ss.LoadNextBatch(ctx, id.UserID("@other:example.org"))
	require.NoError(t, err)
	assert.Empty(t, other)
}
