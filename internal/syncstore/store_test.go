package syncstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upsertStep struct {
	response any
	err      error
}

// fakeTransport scripts per-call upsert outcomes and counts every request.
// When the script is exhausted it echoes the submitted rows back, which is
// what a healthy merge-upsert endpoint does.
type fakeTransport struct {
	mu          sync.Mutex
	probeErr    error
	probeCalls  int
	listBody    any
	listErr     error
	listCalls   int
	script      []upsertStep
	upsertCalls int
	upsertRows  [][]map[string]any
	deleteErr   error
	deleteCalls int
	deletedIDs  []string
}

func (f *fakeTransport) Probe(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.probeErr
}

func (f *fakeTransport) List(ctx context.Context, collection string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.listBody, f.listErr
}

func (f *fakeTransport) Upsert(ctx context.Context, collection string, rows []map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.upsertRows = append(f.upsertRows, rows)
	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		return step.response, step.err
	}
	return rows, nil
}

func (f *fakeTransport) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deletedIDs = append(f.deletedIDs, id)
	return f.deleteErr
}

func (f *fakeTransport) calls() (probe, list, upsert, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.listCalls, f.upsertCalls, f.deleteCalls
}

func newTestStore(t *testing.T, transport Transport) *Store {
	t.Helper()
	store := NewStore(StoreOptions{Transport: transport})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertThenLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Fuel Surcharge", "active": false}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	entities, err := store.Load(ctx, KindPolicies, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)

	var matches []Entity
	for _, got := range entities {
		if got.ID == e.ID {
			matches = append(matches, got)
		}
	}
	require.Len(t, matches, 1)
	assert.Equal(t, e, matches[0])
}

func TestLoadFiltersInactive(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Retired Policy", "status": "inactive"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	visible, err := store.Load(ctx, KindPolicies, LoadOptions{LocalOnly: true})
	require.NoError(t, err)
	for _, got := range visible {
		assert.NotEqual(t, e.ID, got.ID)
	}

	all, err := store.Load(ctx, KindPolicies, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)
	found := false
	for _, got := range all {
		found = found || got.ID == e.ID
	}
	assert.True(t, found)
}

func TestDeleteRemoves(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Prom Night"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	assert.True(t, store.DeleteByID(ctx, KindServiceTypes, e.ID, DeleteOptions{LocalOnly: true}))

	entities, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)
	for _, got := range entities {
		assert.NotEqual(t, e.ID, got.ID)
	}
}

func TestUnknownKind(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, "unregistered", LoadOptions{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = store.Upsert(ctx, "unregistered", map[string]any{}, UpsertOptions{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.False(t, store.DeleteByID(ctx, "unregistered", uuid.NewString(), DeleteOptions{}))
}

func TestRemoteDownFallback(t *testing.T) {
	transport := &fakeTransport{probeErr: &RemoteError{StatusCode: 404, Message: "relation does not exist"}}
	store := newTestStore(t, transport)
	ctx := context.Background()

	local, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true})
	require.NoError(t, err)
	require.NotEmpty(t, local, "built-in seeds serve when the remote is down")

	// Only the memoized probe ever touched the network.
	probe, list, upsert, del := transport.calls()
	assert.Equal(t, 1, probe)
	assert.Zero(t, list)
	assert.Zero(t, upsert)
	assert.Zero(t, del)

	_, err = store.Load(ctx, KindServiceTypes, LoadOptions{})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Casino Run"}, UpsertOptions{})
	require.NoError(t, err)
	assert.True(t, store.DeleteByID(ctx, KindServiceTypes, local[0].ID, DeleteOptions{}))

	probe, list, upsert, del = transport.calls()
	assert.Equal(t, 1, probe, "availability is probed once per kind per process")
	assert.Zero(t, list)
	assert.Zero(t, upsert)
	assert.Zero(t, del)
}

func TestVariantShortCircuit(t *testing.T) {
	schemaErr := &RemoteError{StatusCode: 400, Code: "22P02", Message: "invalid input syntax"}
	transport := &fakeTransport{
		script: []upsertStep{
			{err: schemaErr},
			{err: schemaErr},
			// Third variant accepted; echo omitted so the engine maps the
			// response below.
		},
	}
	store := newTestStore(t, transport)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Wine Tour", "pricing_type": "HOURS"}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Wine Tour", e.Name)

	_, _, upserts, _ := transport.calls()
	assert.Equal(t, 3, upserts, "variants A and B rejected, C accepted, D never attempted")
}

func TestAuthShortCircuit(t *testing.T) {
	transport := &fakeTransport{
		script: []upsertStep{
			{err: &RemoteError{StatusCode: 401, Message: "JWT expired"}},
		},
	}
	store := newTestStore(t, transport)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Concert Shuttle"}, UpsertOptions{})
	require.NoError(t, err, "auth denial never surfaces to the caller")

	_, _, upserts, _ := transport.calls()
	assert.Equal(t, 1, upserts, "no variant is retried after an auth failure")

	entities, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)
	found := false
	for _, got := range entities {
		found = found || got.ID == e.ID
	}
	assert.True(t, found, "the entity is still saved locally")
}

func TestMissingColumnStripsAndRetriesSameVariant(t *testing.T) {
	transport := &fakeTransport{
		script: []upsertStep{
			{err: &RemoteError{StatusCode: 400, Code: "PGRST204", Message: "Could not find the 'custom_label' column of 'service_types' in the schema cache"}},
			// Retry of the same variant without the column succeeds via echo.
		},
	}
	store := newTestStore(t, transport)
	ctx := context.Background()

	_, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Graduation"}, UpsertOptions{})
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.upsertRows, 2)
	_, first := transport.upsertRows[0][0]["custom_label"]
	_, second := transport.upsertRows[1][0]["custom_label"]
	assert.True(t, first, "first attempt carries the column")
	assert.False(t, second, "retry of the same variant drops the unrecognized column")
	assert.Contains(t, transport.upsertRows[1][0], "pricing_type", "still the flat variant, not the next one")
}

func TestOrgScopeStrippedWhenUnrecognized(t *testing.T) {
	transport := &fakeTransport{
		script: []upsertStep{
			{err: &RemoteError{StatusCode: 400, Code: "42703", Message: `column "organization_id" of relation "policies" does not exist`}},
		},
	}
	store := NewStore(StoreOptions{
		Transport: transport,
		OrgScope:  func() string { return "org-42" },
	})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Scoped Policy"}, UpsertOptions{})
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.upsertRows, 2)
	assert.Equal(t, "org-42", transport.upsertRows[0][0]["organization_id"])
	assert.NotContains(t, transport.upsertRows[1][0], "organization_id")
}

func TestEmptyRemoteProtection(t *testing.T) {
	transport := &fakeTransport{listBody: []any{}}
	store := newTestStore(t, transport)
	ctx := context.Background()

	// Populate the local cache first.
	_, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Gratuity Policy"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	entities, err := store.Load(ctx, KindPolicies, LoadOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.NotEmpty(t, entities, "an empty remote must not wipe local data")
}

func TestLoadRefreshesCacheFromRemote(t *testing.T) {
	remoteID := uuid.NewString()
	transport := &fakeTransport{
		listBody: []any{
			map[string]any{"id": remoteID, "name": "Remote Transfer", "billing_mode": "DISTANCE", "sort_order": float64(0)},
		},
	}
	store := newTestStore(t, transport)
	ctx := context.Background()

	entities, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, entities, 1, "non-empty remote replaces the local collection")
	assert.Equal(t, remoteID, entities[0].ID)
	assert.Equal(t, PricingDistance, entities[0].Payload["pricing_type"])

	// The refreshed collection is now served locally too.
	local, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, entities, local)
}

func TestRemoteResultOverwritesLocalEntry(t *testing.T) {
	id := uuid.NewString()
	transport := &fakeTransport{
		script: []upsertStep{
			{response: []any{map[string]any{
				"id":           id,
				"name":         "Wine Tour",
				"status":       "active",
				"billing_mode": "HYBRID",
			}}},
		},
	}
	store := newTestStore(t, transport)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"id": id, "name": "Wine Tour", "pricing_type": "HOURS"}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, PricingHybrid, e.Payload["pricing_type"], "the remote's canonical row wins")

	entities, err := store.Load(ctx, KindServiceTypes, LoadOptions{IncludeInactive: true, LocalOnly: true})
	require.NoError(t, err)
	for _, got := range entities {
		if got.ID == id {
			assert.Equal(t, PricingHybrid, got.Payload["pricing_type"])
		}
	}
}

func TestDeleteIssuesBestEffortRemoteDelete(t *testing.T) {
	transport := &fakeTransport{deleteErr: &RemoteError{StatusCode: 500, Message: "boom"}}
	store := newTestStore(t, transport)
	ctx := context.Background()

	e, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Doomed Policy"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	assert.True(t, store.DeleteByID(ctx, KindPolicies, e.ID, DeleteOptions{}), "remote failure never fails the delete")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, []string{e.ID}, transport.deletedIDs)
}

func TestEndToEndScenario(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	defaults, err := store.Load(ctx, KindServiceTypes, LoadOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, defaults, "first load serves the built-in default set")
	for _, e := range defaults {
		assert.True(t, e.Active)
	}

	wedding, err := store.Upsert(ctx, KindServiceTypes, map[string]any{"name": "Wedding"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)
	_, err = uuid.Parse(wedding.ID)
	require.NoError(t, err)
	assert.True(t, wedding.Active)

	entities, err := store.Load(ctx, KindServiceTypes, LoadOptions{})
	require.NoError(t, err)
	found := false
	for _, e := range entities {
		found = found || e.Name == "Wedding"
	}
	assert.True(t, found)
}

func TestSubscribeSeesUpserts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []string
	unsubscribe := store.Subscribe(func(kind string) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Notify Me"}, UpsertOptions{LocalOnly: true})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, KindPolicies)
}

func TestSubscriberReloadDuringUpsert(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var reloaded []Entity
	unsubscribe := store.Subscribe(func(kind string) {
		entities, err := store.Load(ctx, kind, LoadOptions{IncludeInactive: true, LocalOnly: true})
		assert.NoError(t, err)
		mu.Lock()
		reloaded = entities
		mu.Unlock()
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := store.Upsert(ctx, KindPolicies, map[string]any{"name": "Reentrant Policy"}, UpsertOptions{LocalOnly: true})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upsert blocked while a subscriber reloaded the kind")
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, e := range reloaded {
		found = found || e.Name == "Reentrant Policy"
	}
	assert.True(t, found, "the subscriber observed the write it was notified about")
}

func TestDirBackendWatchesDirectory(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreOptions{Backend: NewJSONDirBackend(dir)})
	t.Cleanup(func() { _ = store.Close() })

	events := make(chan string, 8)
	unsubscribe := store.Subscribe(func(kind string) { events <- kind })
	defer unsubscribe()

	// Another process persisting a kind blob into the shared directory.
	path := filepath.Join(dir, KindPolicies+cacheFileSuffix)
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	select {
	case kind := <-events:
		assert.Equal(t, KindPolicies, kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no cross-process event for an explicitly configured directory backend")
	}
}
