package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/HMasataka/familyrelay/internal/eventbus"
	"github.com/HMasataka/familyrelay/pkg/alert"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/domain/domaintest"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	store  *membership.Store
	router *Router
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	store := membership.NewStore()
	return &fixture{t: t, store: store, router: NewRouter(store, opts...)}
}

func (f *fixture) conn(id string) *domaintest.Conn {
	c := domaintest.NewConn(id)
	f.store.Register(c)
	return c
}

func (f *fixture) send(from domain.Connection, eventType domain.EventType, data string) (Result, error) {
	msg := &domain.Message{Type: eventType}
	if data != "" {
		msg.Data = json.RawMessage(data)
	}
	return f.router.Dispatch(context.Background(), from, msg)
}

func (f *fixture) join(c domain.Connection, family string) {
	f.t.Helper()
	_, err := f.send(c, domain.EventJoinRoom, `"`+family+`"`)
	require.NoError(f.t, err)
}

func TestDeliversToOthersNotSender(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	res, err := f.send(a, domain.EventSOSAlert, `{"familyId":"fam1","lat":1.5,"lng":2.5}`)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, a.Messages())
	require.Len(t, b.Messages(), 1)
	got := b.Messages()[0]
	assert.Equal(t, domain.EventParentSOSReceive, got.Type)
	assert.JSONEq(t, `{"familyId":"fam1","lat":1.5,"lng":2.5}`, string(got.Data))
	assert.NotEmpty(t, got.ID)
}

func TestNeverDeliversAcrossFamilies(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam2")

	for _, eventType := range []domain.EventType{domain.EventSOSAlert, domain.EventTamperAlert, domain.EventTriggerAlarm} {
		res, err := f.send(a, eventType, `{"familyId":"fam1"}`)
		require.NoError(t, err)
		assert.Zero(t, res.Delivered)
	}

	assert.Empty(t, b.Messages())
}

func TestDoubleJoinDeliversOnce(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")
	f.join(b, "fam1")

	_, err := f.send(a, domain.EventTriggerAlarm, `{"familyId":"fam1"}`)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{domain.EventRingAlarmCommand}, b.Types())
}

func TestJoinForms(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.conn("a"), f.conn("b"), f.conn("c")

	_, err := f.send(a, domain.EventJoinRoom, `"fam1"`)
	require.NoError(t, err)
	_, err = f.send(b, domain.EventJoinRoom, `{"familyId":"fam1"}`)
	require.NoError(t, err)
	_, err = f.send(c, domain.EventJoinRoom, `42`)
	require.NoError(t, err)

	assert.True(t, f.store.IsMember("a", "fam1"))
	assert.True(t, f.store.IsMember("b", "fam1"))
	assert.True(t, f.store.IsMember("c", "42"))

	_, err = f.send(a, domain.EventJoinRoom, `""`)
	assert.ErrorIs(t, err, domain.ErrMissingFamilyID)
	_, err = f.send(a, domain.EventJoinRoom, `[1,2]`)
	assert.Equal(t, errors.CodeInvalidPayload, errors.CodeOf(err))
}

func TestJoinFromUnregisteredConnection(t *testing.T) {
	f := newFixture(t)
	ghost := domaintest.NewConn("ghost")

	_, err := f.send(ghost, domain.EventJoinRoom, `"fam1"`)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestDisconnectedMemberReceivesNothing(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	f.store.Unregister("b")
	f.store.Unregister("b")

	res, err := f.send(a, domain.EventSOSAlert, `{"familyId":"fam1"}`)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, b.Messages())
	assert.Empty(t, f.store.MembersExcluding("fam1", "a"))
}

func TestLocationUpdate(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []domain.EventType
	}{
		{
			name:    "outside geofence",
			payload: `{"familyId":"fam1","lat":52.5,"lng":13.4,"battery":77,"isInsideGeofence":false}`,
			want:    []domain.EventType{domain.EventLocationReceive, domain.EventAlertGeofence},
		},
		{
			name:    "inside geofence",
			payload: `{"familyId":"fam1","lat":52.5,"lng":13.4,"battery":77,"isInsideGeofence":true}`,
			want:    []domain.EventType{domain.EventLocationReceive},
		},
		{
			name:    "flag absent",
			payload: `{"familyId":"fam1","lat":52.5,"lng":13.4,"battery":77}`,
			want:    []domain.EventType{domain.EventLocationReceive},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			child, parent := f.conn("child"), f.conn("parent")
			f.join(child, "fam1")
			f.join(parent, "fam1")

			res, err := f.send(child, domain.EventUpdateLocation, tt.payload)
			require.NoError(t, err)

			assert.Equal(t, len(tt.want), res.Delivered)
			assert.Equal(t, tt.want, parent.Types())
			assert.JSONEq(t, tt.payload, string(parent.Messages()[0].Data))
		})
	}
}

func TestGeofenceAlertPayload(t *testing.T) {
	f := newFixture(t)
	child, parent := f.conn("child"), f.conn("parent")
	f.join(child, "fam1")
	f.join(parent, "fam1")

	_, err := f.send(child, domain.EventUpdateLocation, `{"familyId":"fam1","lat":52.5,"lng":13.4,"isInsideGeofence":false}`)
	require.NoError(t, err)

	msgs := parent.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"msg":"Child has exited the Safe Zone!","lat":52.5,"lng":13.4}`, string(msgs[1].Data))
}

func TestSafetyAlertScenario(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	_, err := f.send(a, domain.EventAISafetyAlert, `{"familyId":"fam1","category":"Bullying","severity":92,"snippet":"nobody likes you"}`)
	require.NoError(t, err)

	require.Len(t, b.Messages(), 1)
	got := b.Messages()[0]
	assert.Equal(t, domain.EventParentNotification, got.Type)
	assert.JSONEq(t, `{"title":"Safety Alert","message":"Potential Bullying detected. Severity: 92%","content":"nobody likes you"}`, string(got.Data))
}

func TestSafetyAlertsAreNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	for range 3 {
		_, err := f.send(a, domain.EventAISafetyAlert, `{"familyId":"fam1","category":"Bullying","severity":92,"snippet":"x"}`)
		require.NoError(t, err)
	}

	assert.Len(t, b.Messages(), 3)
}

func TestTamperAlertScenario(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam2")
	f.join(b, "fam2")

	_, err := f.send(a, domain.EventTamperAlert, `{"familyId":"fam2","action":"uninstall","package":"com.guardian"}`)
	require.NoError(t, err)

	require.Len(t, b.Messages(), 1)
	got := b.Messages()[0]
	assert.Equal(t, domain.EventParentNotification, got.Type)
	assert.JSONEq(t, `{"title":"SECURITY WARNING","message":"Child is attempting to bypass parental controls!"}`, string(got.Data))
}

func TestCatalogShapes(t *testing.T) {
	tests := []struct {
		in       domain.EventType
		payload  string
		out      domain.EventType
		wantData string
	}{
		{domain.EventRequestRemoteCheckin, `{"familyId":"f","type":"video"}`, domain.EventStartStreamRequest, `{"type":"video"}`},
		{domain.EventWebRTCOffer, `{"familyId":"f","offer":{"type":"offer","sdp":"v=0"}}`, domain.EventWebRTCOffer, `{"type":"offer","sdp":"v=0"}`},
		{domain.EventWebRTCAnswer, `{"familyId":"f","answer":{"type":"answer","sdp":"v=0"}}`, domain.EventWebRTCAnswer, `{"type":"answer","sdp":"v=0"}`},
		{domain.EventICECandidate, `{"familyId":"f","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`, domain.EventICECandidate, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`},
		{domain.EventAudioChunk, `{"familyId":"f","chunk":"UklGRg=="}`, domain.EventAudioChunkReceive, `"UklGRg=="`},
		{domain.EventUsageReport, `{"familyId":"f","appList":[{"name":"Game","minutes":95}]}`, domain.EventUsageDisplay, `[{"name":"Game","minutes":95}]`},
		{domain.EventSOSAlert, `{"familyId":"f","lat":1,"lng":2}`, domain.EventParentSOSReceive, `{"familyId":"f","lat":1,"lng":2}`},
		{domain.EventStartAudioRequest, `{"familyId":"f","ignored":true}`, domain.EventStartMicCapture, ``},
		{domain.EventTriggerAlarm, `{"familyId":"f","volume":11}`, domain.EventRingAlarmCommand, ``},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			f := newFixture(t)
			a, b := f.conn("a"), f.conn("b")
			f.join(a, "f")
			f.join(b, "f")

			_, err := f.send(a, tt.in, tt.payload)
			require.NoError(t, err)

			require.Len(t, b.Messages(), 1)
			got := b.Messages()[0]
			assert.Equal(t, tt.out, got.Type)
			if tt.wantData == "" {
				assert.Empty(t, got.Data)
			} else {
				assert.JSONEq(t, tt.wantData, string(got.Data))
			}
		})
	}
}

func TestMissingFieldIsRelayedEmpty(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "f")
	f.join(b, "f")

	_, err := f.send(a, domain.EventWebRTCOffer, `{"familyId":"f"}`)
	require.NoError(t, err)

	require.Len(t, b.Messages(), 1)
	assert.Empty(t, b.Messages()[0].Data)
}

func TestEveryCatalogEventToLonelyFamily(t *testing.T) {
	f := newFixture(t)
	a := f.conn("a")
	f.join(a, "alone")

	for eventType := range builtinHandlers() {
		res, err := f.send(a, eventType, `{"familyId":"alone","isInsideGeofence":false}`)
		require.NoError(t, err, eventType)
		assert.Zero(t, res.Delivered, eventType)
	}
	assert.Empty(t, a.Messages())

	// A family nobody has joined behaves the same.
	res, err := f.send(a, domain.EventSOSAlert, `{"familyId":"nobody"}`)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	tests := []struct {
		name      string
		eventType domain.EventType
		data      string
		code      string
	}{
		{"missing family", domain.EventSOSAlert, `{"lat":1}`, errors.CodeMissingFamily},
		{"null payload", domain.EventTriggerAlarm, `null`, errors.CodeMissingFamily},
		{"no payload", domain.EventTamperAlert, ``, errors.CodeInvalidPayload},
		{"payload not an object", domain.EventUpdateLocation, `"fam1"`, errors.CodeInvalidPayload},
		{"field of wrong shape", domain.EventAISafetyAlert, `{"familyId":"fam1","category":{"a":1},"severity":1}`, ""},
		{"unknown event", "self-destruct", `{"familyId":"fam1"}`, errors.CodeUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.Reset()
			_, err := f.send(a, tt.eventType, tt.data)
			if tt.code == "" {
				// Still relayed: the router never validates field shapes.
				require.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Empty(t, b.Messages())
			assert.Empty(t, a.Messages())
		})
	}
}

func TestFailedSendDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t)
	a, slow, ok := f.conn("a"), f.conn("slow"), f.conn("ok")
	f.join(a, "fam1")
	f.join(slow, "fam1")
	f.join(ok, "fam1")
	slow.SendErr = domain.ErrSendBufferFull

	res, err := f.send(a, domain.EventTriggerAlarm, `{"familyId":"fam1"}`)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Dropped)
	assert.Len(t, ok.Messages(), 1)
}

func TestSenderMayAddressAnyFamilyByDefault(t *testing.T) {
	f := newFixture(t)
	outsider, b := f.conn("outsider"), f.conn("b")
	f.join(b, "fam1")

	res, err := f.send(outsider, domain.EventTriggerAlarm, `{"familyId":"fam1"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestRequireMembership(t *testing.T) {
	f := newFixture(t, WithRequireMembership(true))
	outsider, a, b := f.conn("outsider"), f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	_, err := f.send(outsider, domain.EventTriggerAlarm, `{"familyId":"fam1"}`)
	assert.ErrorIs(t, err, domain.ErrNotMember)
	assert.Empty(t, b.Messages())

	res, err := f.send(a, domain.EventTriggerAlarm, `{"familyId":"fam1"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestCustomRuleAndHandler(t *testing.T) {
	engine := alert.NewDefaultEngine()
	engine.Register(domain.EventSOSAlert, "sos-echo", func(json.RawMessage) (*domain.Message, bool) {
		msg, err := domain.NewMessage(domain.EventParentNotification, domain.Notification{Title: "SOS", Message: "check the map"})
		return msg, err == nil
	})

	f := newFixture(t, WithEngine(engine))
	f.router.Register("battery-low", forward("battery-display"))
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	_, err := f.send(a, domain.EventSOSAlert, `{"familyId":"fam1"}`)
	require.NoError(t, err)
	_, err = f.send(a, "battery-low", `{"familyId":"fam1","level":5}`)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{domain.EventParentSOSReceive, domain.EventParentNotification, "battery-display"}, b.Types())
}

// syncBus delivers PublishAsync inline so assertions need no waiting.
type syncBus struct {
	*eventbus.InMemoryBus
}

func (b syncBus) PublishAsync(e *eventbus.Event) {
	b.Publish(e)
}

func TestEventsPublished(t *testing.T) {
	bus := syncBus{eventbus.NewInMemoryBus(1)}
	var got []eventbus.EventType
	bus.SubscribeAll(func(e *eventbus.Event) { got = append(got, e.Type) })

	f := newFixture(t, WithEventBus(bus))
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")
	f.join(b, "fam1")
	_, _ = f.send(a, domain.EventUpdateLocation, `{"familyId":"fam1","isInsideGeofence":false}`)
	_, _ = f.send(a, domain.EventSOSAlert, `{}`)

	assert.Equal(t, []eventbus.EventType{
		eventbus.EventFamilyJoined,
		eventbus.EventFamilyJoined,
		eventbus.EventAlertDerived,
		eventbus.EventMessageDropped,
	}, got)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")
	_, _ = f.send(a, domain.EventUpdateLocation, `{"familyId":"fam1","isInsideGeofence":false}`)
	_, _ = f.send(a, "nope", `{}`)

	stats := f.router.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Families)
	assert.Equal(t, int64(4), stats.MessagesReceived)
	assert.Equal(t, int64(2), stats.MessagesSent)
	assert.Equal(t, int64(1), stats.MessagesDropped)
}

func TestStatsReportsBusOverflow(t *testing.T) {
	// Never started, so the second queued event has nowhere to go.
	bus := eventbus.NewInMemoryBus(1)

	f := newFixture(t, WithEventBus(bus))
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	assert.Equal(t, int64(1), f.router.Stats().EventsDropped)
	assert.Zero(t, newFixture(t).router.Stats().EventsDropped)
}

func TestBinaryValuesFollowDerivedMessages(t *testing.T) {
	f := newFixture(t)
	a, b := f.conn("a"), f.conn("b")
	f.join(a, "fam1")
	f.join(b, "fam1")

	chunk := []byte{0x00, 0xff, 0x10}
	msg := &domain.Message{
		Type:   domain.EventAudioChunk,
		Data:   json.RawMessage(`{"familyId":"fam1","chunk":"AP8Q"}`),
		Binary: map[string][]byte{"AP8Q": chunk},
	}
	_, err := f.router.Dispatch(context.Background(), a, msg)
	require.NoError(t, err)

	require.Len(t, b.Messages(), 1)
	got := b.Messages()[0]
	assert.Equal(t, domain.EventAudioChunkReceive, got.Type)
	assert.JSONEq(t, `"AP8Q"`, string(got.Data))
	assert.Equal(t, chunk, got.Binary["AP8Q"])
}

func TestSDPType(t *testing.T) {
	assert.Equal(t, "offer", sdpType(&domain.Message{Data: json.RawMessage(`{"familyId":"f","offer":{"type":"offer","sdp":"v=0"}}`)}))
	assert.Equal(t, "answer", sdpType(&domain.Message{Data: json.RawMessage(`{"familyId":"f","answer":{"type":"answer","sdp":"v=0"}}`)}))
	assert.Empty(t, sdpType(&domain.Message{Data: json.RawMessage(`{"familyId":"f"}`)}))
}
