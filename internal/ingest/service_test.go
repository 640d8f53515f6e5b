package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/clock"
	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/geo"
	"github.com/fieldops/sync-worker/internal/repository"
)

type fakeDeviceStore struct {
	devices map[string]*db.Device
	sites   map[string]*db.Site
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{
		devices: make(map[string]*db.Device),
		sites:   make(map[string]*db.Site),
	}
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, deviceID string) (*db.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeviceStore) UpsertHandshake(_ context.Context, d *db.Device) error {
	copied := *d
	f.devices[d.DeviceID] = &copied
	return nil
}

func (f *fakeDeviceStore) GetSite(_ context.Context, siteID string) (*db.Site, error) {
	s, ok := f.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type fakeEventStore struct {
	events map[string]*db.ClientEvent
	items  map[uuid.UUID]*db.SyncQueueItem

	// missNextLookup simulates the window where a concurrent ingest wins
	// the idempotency race after our initial lookup came back empty.
	missNextLookup bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		events: make(map[string]*db.ClientEvent),
		items:  make(map[uuid.UUID]*db.SyncQueueItem),
	}
}

func eventKey(deviceID, clientEventID string) string {
	return deviceID + "|" + clientEventID
}

func (f *fakeEventStore) GetEventByKey(_ context.Context, deviceID, clientEventID string) (*db.ClientEvent, error) {
	if f.missNextLookup {
		f.missNextLookup = false
		return nil, repository.ErrNotFound
	}
	ev, ok := f.events[eventKey(deviceID, clientEventID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *ev
	return &copied, nil
}

func (f *fakeEventStore) IngestEvent(_ context.Context, ev *db.ClientEvent, item *db.SyncQueueItem) error {
	key := eventKey(ev.DeviceID, ev.ClientEventID)
	if _, exists := f.events[key]; exists {
		return repository.ErrDuplicateEvent
	}
	evCopy := *ev
	itemCopy := *item
	f.events[key] = &evCopy
	f.items[item.ClientEventID] = &itemCopy
	return nil
}

func (f *fakeEventStore) EnsureQueued(_ context.Context, item *db.SyncQueueItem) error {
	if _, exists := f.items[item.ClientEventID]; exists {
		return nil
	}
	copied := *item
	f.items[item.ClientEventID] = &copied
	return nil
}

type fakeFixStore struct {
	fixes map[string]geo.Fix
}

func newFakeFixStore() *fakeFixStore {
	return &fakeFixStore{fixes: make(map[string]geo.Fix)}
}

func (f *fakeFixStore) Get(_ context.Context, deviceID string) (*geo.Fix, error) {
	fix, ok := f.fixes[deviceID]
	if !ok {
		return nil, nil
	}
	return &fix, nil
}

func (f *fakeFixStore) Set(_ context.Context, deviceID string, fix geo.Fix) error {
	f.fixes[deviceID] = fix
	return nil
}

type serviceFixture struct {
	service *Service
	devices *fakeDeviceStore
	events  *fakeEventStore
	fixes   *fakeFixStore
	now     time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	f := &serviceFixture{
		devices: newFakeDeviceStore(),
		events:  newFakeEventStore(),
		fixes:   newFakeFixStore(),
		now:     now,
	}
	f.service = NewService(
		f.devices,
		f.events,
		f.fixes,
		clock.NewTracker(300),
		geo.NewValidator(100, 75, 150, 5, 60*time.Second),
		3,
		zap.NewNop(),
	).WithNow(func() time.Time { return now })
	return f
}

func (f *serviceFixture) registerDevice(t *testing.T, deviceID string, trusted bool) *uuid.UUID {
	t.Helper()
	userID := uuid.New()
	f.devices.devices[deviceID] = &db.Device{
		DeviceID:     deviceID,
		UserID:       &userID,
		ClockTrusted: trusted,
		LastSyncAt:   f.now.Add(-time.Hour),
	}
	return &userID
}

func checkinEvent(clientEventID string) IncomingEvent {
	return IncomingEvent{
		ClientEventID: clientEventID,
		Type:          TypeAttendanceCheckin,
		EventTime:     "2026-03-10T07:55:00Z",
		Payload:       json.RawMessage(`{"site_id":"site-a"}`),
	}
}

func TestHandshake_NewDevice(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.service.Handshake(context.Background(), HandshakeRequest{
		DeviceID:    "device-1",
		DeviceClock: f.now.Add(5 * time.Second),
	})
	require.NoError(t, err)

	assert.True(t, resp.Trusted)
	assert.Equal(t, f.now, resp.ServerTime)

	device := f.devices.devices["device-1"]
	require.NotNil(t, device)
	assert.Equal(t, int64(5), device.ClockOffsetSeconds)
	assert.True(t, device.ClockTrusted)
	assert.Equal(t, f.now, device.LastSyncAt)
}

func TestHandshake_DriftedClockUntrusted(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.service.Handshake(context.Background(), HandshakeRequest{
		DeviceID:    "device-1",
		DeviceClock: f.now.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	assert.False(t, resp.Trusted)
	assert.False(t, f.devices.devices["device-1"].ClockTrusted)
}

func TestHandshake_ReplayRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.devices.devices["device-1"] = &db.Device{
		DeviceID:   "device-1",
		LastSyncAt: f.now.Add(time.Hour),
	}

	_, err := f.service.Handshake(context.Background(), HandshakeRequest{
		DeviceID:    "device-1",
		DeviceClock: f.now,
	})
	assert.ErrorIs(t, err, clock.ErrReplay)
}

func TestSubmitBatch_UnknownDevice(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "ghost",
		Events:   []IncomingEvent{checkinEvent("evt-1")},
	})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSubmitBatch_AcceptsAndQueues(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events:   []IncomingEvent{checkinEvent("evt-1")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Accepted)
	assert.Equal(t, db.ValidityValid, results[0].ValidityStatus)
	require.Len(t, f.events.items, 1)

	for _, item := range f.events.items {
		assert.Equal(t, db.ResourceAttendance, item.ResourceType)
		assert.Equal(t, db.OpCreate, item.OperationType)
		assert.Equal(t, 3, item.MaxRetries)

		var snapshot map[string]any
		require.NoError(t, json.Unmarshal(item.Data, &snapshot))
		_, err := uuid.Parse(snapshot["id"].(string))
		assert.NoError(t, err, "snapshot must carry a stable entity id")
		assert.Equal(t, "checkin", snapshot["kind"])
	}
}

func TestSubmitBatch_ResubmissionIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	batch := BatchRequest{DeviceID: "device-1", Events: []IncomingEvent{checkinEvent("evt-1")}}

	for i := 0; i < 3; i++ {
		results, err := f.service.SubmitBatch(context.Background(), batch)
		require.NoError(t, err)
		assert.True(t, results[0].Accepted)
	}

	assert.Len(t, f.events.events, 1, "repeated delivery must create exactly one event")
	assert.Len(t, f.events.items, 1, "repeated delivery must create exactly one queue item")
}

func TestSubmitBatch_CompletedDuplicateReturnsMappedID(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	batch := BatchRequest{DeviceID: "device-1", Events: []IncomingEvent{checkinEvent("evt-1")}}
	_, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	// Processor finished the item and recorded the mapping.
	mapped := uuid.New()
	for _, ev := range f.events.events {
		ev.MappedEntityID = &mapped
	}

	results, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.True(t, results[0].Accepted)
	require.NotNil(t, results[0].MappedEntityID)
	assert.Equal(t, mapped, *results[0].MappedEntityID)
	assert.Len(t, f.events.items, 1, "a completed duplicate must not enqueue new work")
}

func TestSubmitBatch_InterruptedEventIsRequeued(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	batch := BatchRequest{DeviceID: "device-1", Events: []IncomingEvent{checkinEvent("evt-1")}}
	_, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	// Simulate a crash after the event row landed but before the queue item did.
	for id := range f.events.items {
		delete(f.events.items, id)
	}

	results, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.True(t, results[0].Accepted)
	assert.Len(t, f.events.events, 1)
	assert.Len(t, f.events.items, 1, "resume must restore the missing queue item")
}

func TestSubmitBatch_RequeueKeepsFixCoordinates(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	ev := checkinEvent("evt-1")
	ev.GPSFix = &geo.Fix{
		Lat:            -6.2088,
		Lng:            106.8456,
		AccuracyMeters: 10,
		Timestamp:      f.now,
	}
	batch := BatchRequest{DeviceID: "device-1", Events: []IncomingEvent{ev}}

	_, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	// Crash between the event insert and the queue insert, then resubmit.
	for id := range f.events.items {
		delete(f.events.items, id)
	}
	_, err = f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, f.events.items, 1)
	for _, item := range f.events.items {
		var snapshot map[string]any
		require.NoError(t, json.Unmarshal(item.Data, &snapshot))
		assert.Equal(t, -6.2088, snapshot["lat"], "the rebuilt snapshot must keep the fix coordinates")
		assert.Equal(t, 106.8456, snapshot["lng"])
	}
}

func TestSubmitBatch_LostRaceFallsBackToWinner(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	batch := BatchRequest{DeviceID: "device-1", Events: []IncomingEvent{checkinEvent("evt-1")}}
	_, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	// The next lookup misses, the insert then collides with the winner.
	f.events.missNextLookup = true

	results, err := f.service.SubmitBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.True(t, results[0].Accepted)
	assert.Len(t, f.events.events, 1)
	assert.Len(t, f.events.items, 1)
}

func TestSubmitBatch_MalformedEventNeverQueued(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events: []IncomingEvent{
			{
				ClientEventID: "evt-bad",
				Type:          TypePatrolScan,
				EventTime:     "2026-03-10T07:55:00Z",
				Payload:       json.RawMessage(`{}`),
			},
			checkinEvent("evt-good"),
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Accepted)
	assert.NotEmpty(t, results[0].Error)
	assert.True(t, results[1].Accepted, "a malformed element must not abort the rest of the batch")

	assert.Len(t, f.events.events, 1, "a rejected event must never be stored")
	assert.Len(t, f.events.items, 1, "a rejected event must never be queued")
}

func TestSubmitBatch_UnparseableEventTimeRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events: []IncomingEvent{
			{
				ClientEventID: "evt-1",
				Type:          TypeAttendanceCheckin,
				EventTime:     "sometime yesterday",
				Payload:       json.RawMessage(`{}`),
			},
		},
	})
	require.NoError(t, err)

	assert.False(t, results[0].Accepted)
	assert.Empty(t, f.events.items)
}

func TestSubmitBatch_UntrustedClockFlagsTimeSuspect(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", false)

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events:   []IncomingEvent{checkinEvent("evt-1")},
	})
	require.NoError(t, err)

	assert.True(t, results[0].Accepted, "a suspect clock degrades validity, it does not reject")
	assert.Equal(t, db.ValiditySuspicious, results[0].ValidityStatus)
	assert.Len(t, f.events.items, 1, "a suspect event still flows downstream")

	for _, ev := range f.events.events {
		assert.True(t, ev.Flags.TimeSuspect)
	}
}

func TestSubmitBatch_GeofenceViolationAnnotates(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	lat, lng, radius := -6.2088, 106.8456, 100.0
	f.devices.sites["site-a"] = &db.Site{
		ID:           uuid.New(),
		Name:         "North Gate",
		AnchorLat:    &lat,
		AnchorLng:    &lng,
		RadiusMeters: &radius,
	}

	ev := checkinEvent("evt-1")
	ev.GPSFix = &geo.Fix{
		Lat:            -6.2500,
		Lng:            106.9000,
		AccuracyMeters: 10,
		Timestamp:      f.now,
	}

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events:   []IncomingEvent{ev},
	})
	require.NoError(t, err)

	assert.True(t, results[0].Accepted)
	assert.Equal(t, db.ValiditySuspicious, results[0].ValidityStatus)

	for _, stored := range f.events.events {
		assert.True(t, stored.Flags.OutOfZone)
	}
}

func TestSubmitBatch_MockLocationInvalidNotCached(t *testing.T) {
	f := newServiceFixture(t)
	f.registerDevice(t, "device-1", true)

	ev := checkinEvent("evt-1")
	ev.GPSFix = &geo.Fix{
		Lat:          -6.2088,
		Lng:          106.8456,
		MockLocation: true,
		Timestamp:    f.now,
	}

	results, err := f.service.SubmitBatch(context.Background(), BatchRequest{
		DeviceID: "device-1",
		Events:   []IncomingEvent{ev},
	})
	require.NoError(t, err)

	assert.True(t, results[0].Accepted)
	assert.Equal(t, db.ValidityInvalid, results[0].ValidityStatus)
	assert.Empty(t, f.fixes.fixes, "an invalid fix must not become the motion baseline")
}

func TestOwnerKey(t *testing.T) {
	userID := uuid.New()
	withUser := &db.Device{DeviceID: "device-1", UserID: &userID}
	assert.Equal(t, "user:"+userID.String(), ownerKey(withUser))

	anonymous := &db.Device{DeviceID: "device-1"}
	assert.Equal(t, "device:device-1", ownerKey(anonymous))
}
