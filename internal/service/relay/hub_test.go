package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/model/presence"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("transport unavailable")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// decoded returns the received frames with their inner payload unpacked.
func (f *fakeTransport) decoded(t *testing.T) []decodedFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]decodedFrame, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		var data map[string]string
		require.NoError(t, json.Unmarshal([]byte(frame.Data), &data))
		out = append(out, decodedFrame{Type: frame.Type, Data: data})
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// gatedTransport blocks its first Send after arm() until release is closed.
type gatedTransport struct {
	fakeTransport
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) arm() { g.armed.Store(true) }

func (g *gatedTransport) Send(data []byte) error {
	if g.armed.Load() {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.fakeTransport.Send(data)
}

type decodedFrame struct {
	Type FrameType
	Data map[string]string
}

func connectFrame(id string) decodedFrame {
	return decodedFrame{Type: FrameConnect, Data: map[string]string{"id": id}}
}

func disconnectFrame(id string) decodedFrame {
	return decodedFrame{Type: FrameDisconnect, Data: map[string]string{"id": id}}
}

func messageFrame(msg, sender string) decodedFrame {
	return decodedFrame{Type: FrameMessage, Data: map[string]string{"msg": msg, "sender_id": sender}}
}

func caregiver(id string) identity.Identity {
	return identity.Identity{ID: id, Role: identity.RoleCaregiver}
}

func recipient(id string) identity.Identity {
	return identity.Identity{ID: id, Role: identity.RoleRecipient}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []presence.Event
}

func (o *recordingObserver) PresenceChanged(ev presence.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func TestHubConnectNotifiesOppositeRoleOnly(t *testing.T) {
	hub := NewHub()

	d1, d2, r1 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(caregiver("d2"), d2)

	assert.Empty(t, d1.decoded(t), "caregivers never hear about each other")
	assert.Empty(t, d2.decoded(t))

	hub.Connect(recipient("r1"), r1)

	assert.Equal(t, []decodedFrame{connectFrame("r1")}, d1.decoded(t))
	assert.Equal(t, []decodedFrame{connectFrame("r1")}, d2.decoded(t))
	assert.ElementsMatch(t, []decodedFrame{connectFrame("d1"), connectFrame("d2")}, r1.decoded(t))
	assert.Equal(t, 3, hub.Len())
}

func TestHubScenarioRecipientJoinsAfterCaregiver(t *testing.T) {
	hub := NewHub()
	d1, r1 := &fakeTransport{}, &fakeTransport{}

	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)

	require.Equal(t, []decodedFrame{connectFrame("r1")}, d1.decoded(t))
	require.Equal(t, []decodedFrame{connectFrame("d1")}, r1.decoded(t))
}

func TestHubRelayDeliversToRecipientOnly(t *testing.T) {
	hub := NewHub()
	d1, d2, r1 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(caregiver("d2"), d2)
	hub.Connect(recipient("r1"), r1)
	d1.reset()
	d2.reset()
	r1.reset()

	outcome := hub.Relay("hello", "r1", "d1")

	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, []decodedFrame{messageFrame("hello", "r1")}, d1.decoded(t))
	assert.Empty(t, d2.decoded(t))
	assert.Empty(t, r1.decoded(t), "no echo to the sender")
}

func TestHubRelayRecipientOffline(t *testing.T) {
	hub := NewHub()
	r1 := &fakeTransport{}
	hub.Connect(recipient("r1"), r1)

	assert.Equal(t, OutcomeRecipientOffline, hub.Relay("hello", "r1", "d9"))
	assert.Empty(t, r1.decoded(t))
	assert.Equal(t, 1, hub.Len())
}

func TestHubRelaySenderGone(t *testing.T) {
	hub := NewHub()
	d1 := &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	d1.reset()

	assert.Equal(t, OutcomeSenderGone, hub.Relay("late", "r1", "d1"))
	assert.Empty(t, d1.decoded(t))
}

func TestHubDisconnectNotifiesOppositeRole(t *testing.T) {
	hub := NewHub()
	d1, r1, r2 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)
	hub.Connect(recipient("r2"), r2)
	d1.reset()
	r1.reset()
	r2.reset()

	hub.Disconnect("r1")

	assert.Equal(t, []decodedFrame{disconnectFrame("r1")}, d1.decoded(t))
	assert.Empty(t, r2.decoded(t))
	_, ok := hub.Lookup("r1")
	assert.False(t, ok)
	assert.Equal(t, 2, hub.Len())
}

func TestHubDisconnectAbsentIsNoop(t *testing.T) {
	hub := NewHub()
	d1 := &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)

	hub.Disconnect("nobody")

	assert.Empty(t, d1.decoded(t))
	assert.Equal(t, 1, hub.Len())
}

func TestHubRelayAfterDisconnect(t *testing.T) {
	hub := NewHub()
	d1, r1 := &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)

	hub.Disconnect("d1")
	r1.reset()

	assert.Equal(t, OutcomeRecipientOffline, hub.Relay("hi", "r1", "d1"))
	assert.Empty(t, r1.decoded(t))
}

func TestHubReconnectSupersedesPreviousConnection(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(WithObserver(obs))
	first, second, d1 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)

	stale := hub.Connect(recipient("r1"), first)
	hub.Connect(recipient("r1"), second)

	assert.True(t, first.isClosed(), "superseded transport is closed")
	assert.False(t, second.isClosed())
	assert.Equal(t, 2, hub.Len())

	// The superseded session unwinding must not evict its replacement.
	d1.reset()
	hub.DisconnectConn(stale)

	current, ok := hub.Lookup("r1")
	require.True(t, ok)
	assert.NotSame(t, stale, current)
	assert.Empty(t, d1.decoded(t))

	assert.Equal(t, OutcomeDelivered, hub.Relay("still here", "d1", "r1"))
	assert.Contains(t, second.decoded(t), messageFrame("still here", "d1"))
}

func TestHubSendFailureClosesPeerTransport(t *testing.T) {
	hub := NewHub()
	d1, r1 := &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)

	d1.mu.Lock()
	d1.fail = true
	d1.mu.Unlock()

	assert.Equal(t, OutcomeSendFailed, hub.Relay("hello", "r1", "d1"))
	assert.True(t, d1.isClosed())

	// The registry is left to the owning session.
	_, ok := hub.Lookup("d1")
	assert.True(t, ok)
}

func TestHubBroadcastTargetsRole(t *testing.T) {
	hub := NewHub()
	d1, r1, r2 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)
	hub.Connect(recipient("r2"), r2)
	d1.reset()
	r1.reset()
	r2.reset()

	payload, err := PresenceFrame(presence.Connected, "x")
	require.NoError(t, err)
	hub.Broadcast(identity.RoleRecipient, payload)

	assert.Empty(t, d1.decoded(t))
	assert.Equal(t, []decodedFrame{connectFrame("x")}, r1.decoded(t))
	assert.Equal(t, []decodedFrame{connectFrame("x")}, r2.decoded(t))
}

func TestHubBroadcastSkipsFailedPeer(t *testing.T) {
	hub := NewHub()
	r1, r2 := &fakeTransport{fail: true}, &fakeTransport{}
	hub.Connect(recipient("r1"), r1)
	hub.Connect(recipient("r2"), r2)

	hub.Broadcast(identity.RoleRecipient, []byte(`{"type":"connect","data":"{\"id\":\"x\"}"}`))

	assert.True(t, r1.isClosed())
	assert.Equal(t, []decodedFrame{connectFrame("x")}, r2.decoded(t))
}

func TestHubOnlineAndObserver(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(WithObserver(obs))

	hub.Connect(recipient("r2"), &fakeTransport{})
	hub.Connect(recipient("r1"), &fakeTransport{})
	hub.Connect(caregiver("d1"), &fakeTransport{})
	hub.Disconnect("r2")

	assert.Equal(t, []string{"r1"}, hub.Online(identity.RoleRecipient))
	assert.Equal(t, []string{"d1"}, hub.Online(identity.RoleCaregiver))
	assert.Equal(t, []presence.Event{
		{Kind: presence.Connected, SubjectID: "r2", Role: identity.RoleRecipient},
		{Kind: presence.Connected, SubjectID: "r1", Role: identity.RoleRecipient},
		{Kind: presence.Connected, SubjectID: "d1", Role: identity.RoleCaregiver},
		{Kind: presence.Disconnected, SubjectID: "r2", Role: identity.RoleRecipient},
	}, obs.events)
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	d1, r1 := &fakeTransport{}, &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)
	hub.Connect(recipient("r1"), r1)

	hub.CloseAll()

	assert.True(t, d1.isClosed())
	assert.True(t, r1.isClosed())
}

func TestHubConcurrentChurn(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := caregiver("d")
			if i%2 == 0 {
				who = recipient("r")
			}
			conn := hub.Connect(who, &fakeTransport{})
			hub.Relay("ping", who.ID, "d")
			hub.DisconnectConn(conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.Len())
}

func TestHubReconnectDuringSlowDisconnectKeepsPresence(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(WithObserver(obs))

	first := hub.Connect(recipient("r1"), &fakeTransport{})
	d1 := newGatedTransport()
	hub.Connect(caregiver("d1"), d1)
	require.Equal(t, []decodedFrame{connectFrame("r1")}, d1.decoded(t))

	// The page reload: the old session leaves while the caregiver is slow to accept frames.
	d1.arm()
	leaving := make(chan struct{})
	go func() {
		defer close(leaving)
		hub.DisconnectConn(first)
	}()
	<-d1.entered

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		hub.Connect(recipient("r1"), &fakeTransport{})
	}()
	require.Eventually(t, func() bool {
		current, ok := hub.Lookup("r1")
		return ok && current != first
	}, 2*time.Second, 5*time.Millisecond)

	close(d1.release)
	<-leaving
	<-joined

	assert.Equal(t, []decodedFrame{connectFrame("r1"), disconnectFrame("r1"), connectFrame("r1")}, d1.decoded(t))

	obs.mu.Lock()
	last := obs.events[len(obs.events)-1]
	obs.mu.Unlock()
	assert.Equal(t, presence.Event{Kind: presence.Connected, SubjectID: "r1", Role: identity.RoleRecipient}, last)
	assert.Equal(t, []string{"r1"}, hub.Online(identity.RoleRecipient))
}

func TestHubDisconnectSkippedWhenIdentityReturned(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(WithObserver(obs))
	d1 := &fakeTransport{}
	hub.Connect(caregiver("d1"), d1)

	first := hub.Connect(recipient("r1"), &fakeTransport{})
	hub.Connect(recipient("r1"), &fakeTransport{})
	d1.reset()

	hub.DisconnectConn(first)
	hub.Disconnect("r1")

	assert.Equal(t, []decodedFrame{disconnectFrame("r1")}, d1.decoded(t))
	assert.Equal(t, presence.Disconnected, obs.events[len(obs.events)-1].Kind)
}
