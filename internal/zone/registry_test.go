package zone

import (
	"encoding/json"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/state"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) SetJSON(bucket, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *memStore) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.data[key]; !ok {
		return state.ErrNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) List(bucket string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func newRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	st := newMemStore()
	return NewRegistry(st, logging.Discard()), st
}

func TestRegistry_LoadSeedsDefaults(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load(nil))

	ids := []string{}
	for _, z := range r.List() {
		ids = append(ids, z.ID)
	}
	assert.Equal(t, []string{"dmz", "lan", "wan"}, ids)
}

func TestRegistry_LoadRejectsDuplicatesAndKeepsState(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load([]Zone{vpnZone("corp")}))

	err := r.Load([]Zone{{ID: "a"}, {ID: "a"}, {ID: "bad id"}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Contains(t, err.Error(), `duplicate zone id "a"`)

	_, err = r.Get("corp")
	assert.NoError(t, err, "failed load must not replace the registry")
}

func TestRegistry_LoadOverlaysPersisted(t *testing.T) {
	r, st := newRegistry(t)
	persisted := vpnZone("corp")
	persisted.Description = "from api"
	require.NoError(t, st.SetJSON(state.BucketZones, "corp", persisted))
	st.data["broken"] = []byte("{")

	configured := vpnZone("corp")
	configured.Description = "from config"
	require.NoError(t, r.Load([]Zone{configured, {ID: "lan", Networks: []string{"10.0.0.0/8"}}}))

	z, err := r.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, "from api", z.Description)
	assert.Len(t, r.List(), 2)
}

func TestRegistry_UpsertWritesThrough(t *testing.T) {
	r, st := newRegistry(t)
	require.NoError(t, r.Load([]Zone{{ID: "lan"}}))

	saved, err := r.Upsert(vpnZone("corp"))
	require.NoError(t, err)
	assert.Equal(t, VPNProcess, saved.VPN.Kind)
	assert.Contains(t, st.data, "corp")

	var round Zone
	require.NoError(t, json.Unmarshal(st.data["corp"], &round))
	assert.Equal(t, saved, round)
}

func TestRegistry_UpsertInvalidChangesNothing(t *testing.T) {
	r, st := newRegistry(t)
	require.NoError(t, r.Load([]Zone{{ID: "lan"}}))

	bad := vpnZone("corp")
	bad.VPN.Routes = []string{"nope"}
	_, err := r.Upsert(bad)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Empty(t, st.data)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_StoreFailureKeepsPriorState(t *testing.T) {
	r, st := newRegistry(t)
	require.NoError(t, r.Load([]Zone{vpnZone("corp")}))

	st.fail = errors.New(errors.KindTransientIO, "disk full")
	changed := vpnZone("corp")
	changed.VPN.KillSwitch = false
	_, err := r.Upsert(changed)
	require.Error(t, err)

	z, err := r.Get("corp")
	require.NoError(t, err)
	assert.True(t, z.VPN.KillSwitch)

	assert.Error(t, r.Remove("corp"))
	_, err = r.Get("corp")
	assert.NoError(t, err)
}

func TestRegistry_RemoveGuardedByInUse(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load([]Zone{vpnZone("corp"), {ID: "lan"}}))
	r.SetInUseCheck(func(id string) bool { return id == "corp" })

	err := r.Remove("corp")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	require.NoError(t, r.Remove("lan"))
	_, err = r.Get("lan")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	assert.True(t, errors.IsKind(r.Remove("nope"), errors.KindNotFound))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load([]Zone{vpnZone("corp")}))

	z, _ := r.Get("corp")
	z.VPN.Routes[0] = "0.0.0.0/0"

	again, _ := r.Get("corp")
	assert.Equal(t, "10.8.0.0/16", again.VPN.Routes[0])
}

func TestRegistry_FindByAddrMostSpecific(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load(nil))
	_, err := r.Upsert(Zone{ID: "lab", Enabled: true, Networks: []string{"10.20.0.0/16"}})
	require.NoError(t, err)

	z, ok := r.FindByAddr(netip.MustParseAddr("10.20.1.1"))
	require.True(t, ok)
	assert.Equal(t, "lab", z.ID)

	z, ok = r.FindByAddr(netip.MustParseAddr("10.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, "lan", z.ID)

	z, ok = r.FindByAddr(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, "wan", z.ID)

	_, ok = r.FindByAddr(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)
}

func TestRegistry_FindByInterface(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load([]Zone{vpnZone("corp"), {ID: "lan", Enabled: true, Interfaces: []string{"eth1"}}}))

	z, ok := r.FindByInterface("tun0")
	require.True(t, ok)
	assert.Equal(t, "corp", z.ID)

	z, ok = r.FindByInterface("eth1")
	require.True(t, ok)
	assert.Equal(t, "lan", z.ID)

	assert.Len(t, r.VPNZones(), 1)
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Load(nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = r.Upsert(vpnZone("corp"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.List()
				_, _ = r.FindByAddr(netip.MustParseAddr("10.0.0.1"))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.List(), 4)
}
