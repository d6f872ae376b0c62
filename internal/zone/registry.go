package zone

import (
	"encoding/json"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/state"
)

// Store is the persistence the registry writes through to.
type Store interface {
	SetJSON(bucket, key string, v any) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
}

// InUseFunc reports whether a zone may not be removed right now.
type InUseFunc func(id string) bool

// Registry is the source of truth for zones. Reads are lock-free against an
// immutable snapshot; writers are serialized and swap in a new snapshot
// only after the store accepted the change.
type Registry struct {
	writeMu sync.Mutex
	zones   atomic.Pointer[map[string]Zone]
	store   Store
	inUse   atomic.Pointer[InUseFunc]
	logger  *logging.Logger
}

// NewRegistry returns an empty registry. store may be nil.
func NewRegistry(store Store, logger *logging.Logger) *Registry {
	r := &Registry{
		store:  store,
		logger: logging.OrDefault(logger).WithComponent("zones"),
	}
	empty := map[string]Zone{}
	r.zones.Store(&empty)
	return r
}

// SetInUseCheck installs the guard consulted by Remove.
func (r *Registry) SetInUseCheck(fn InUseFunc) {
	r.inUse.Store(&fn)
}

// Load replaces the registry content with the configured zones overlaid by
// the zones persisted in the store. When neither source has zones the
// defaults are seeded. Nothing changes if any zone fails validation.
func (r *Registry) Load(configured []Zone) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var v errors.Validation
	next := make(map[string]Zone, len(configured))
	for _, z := range configured {
		if _, dup := next[z.ID]; dup {
			v.Addf("duplicate zone id %q", z.ID)
			continue
		}
		if err := Validate(z); err != nil {
			v.Merge("zone", err)
			continue
		}
		next[z.ID] = normalize(z)
	}

	if r.store != nil {
		persisted, err := r.store.List(state.BucketZones)
		if err != nil && !errors.Is(err, state.ErrBucketMissing) {
			return errors.Wrap(err, errors.KindTransientIO, "failed to load persisted zones")
		}
		for id, raw := range persisted {
			var z Zone
			if err := json.Unmarshal(raw, &z); err != nil {
				r.logger.Warn("skipping unreadable persisted zone", "zone", id, "error", err)
				continue
			}
			if err := Validate(z); err != nil {
				r.logger.Warn("skipping invalid persisted zone", "zone", id, "error", err)
				continue
			}
			next[z.ID] = normalize(z)
		}
	}

	if err := v.Err("invalid zone configuration"); err != nil {
		return err
	}

	if len(next) == 0 {
		for _, z := range Defaults() {
			next[z.ID] = normalize(z)
		}
		r.logger.Info("no zones configured, seeded defaults", "count", len(next))
	}

	r.zones.Store(&next)
	return nil
}

// Get returns the zone with the given id.
func (r *Registry) Get(id string) (Zone, error) {
	z, ok := (*r.zones.Load())[id]
	if !ok {
		return Zone{}, errors.Errorf(errors.KindNotFound, "zone %q not found", id)
	}
	return z.Clone(), nil
}

// List returns all zones ordered by id.
func (r *Registry) List() []Zone {
	m := *r.zones.Load()
	out := make([]Zone, 0, len(m))
	for _, z := range m {
		out = append(out, z.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VPNZones returns the zones carrying VPN metadata, ordered by id.
func (r *Registry) VPNZones() []Zone {
	all := r.List()
	return slices.DeleteFunc(all, func(z Zone) bool { return !z.IsVPN() })
}

// Upsert creates or replaces a zone. The stored zone is returned with
// defaults filled in.
func (r *Registry) Upsert(z Zone) (Zone, error) {
	if err := Validate(z); err != nil {
		return Zone{}, err
	}
	z = normalize(z)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.store != nil {
		if err := r.store.SetJSON(state.BucketZones, z.ID, z); err != nil {
			return Zone{}, errors.Wrapf(err, errors.KindTransientIO, "failed to persist zone %q", z.ID)
		}
	}

	cur := *r.zones.Load()
	next := make(map[string]Zone, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	_, existed := next[z.ID]
	next[z.ID] = z
	r.zones.Store(&next)

	r.logger.Info("zone saved", "zone", z.ID, "vpn", z.IsVPN(), "created", !existed)
	return z.Clone(), nil
}

// Remove deletes a zone. Zones reported in use by the installed guard
// cannot be removed.
func (r *Registry) Remove(id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.zones.Load()
	if _, ok := cur[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "zone %q not found", id)
	}
	if fn := r.inUse.Load(); fn != nil && *fn != nil && (*fn)(id) {
		return errors.Errorf(errors.KindConflict, "zone %q is in use", id)
	}

	if r.store != nil {
		if err := r.store.Delete(state.BucketZones, id); err != nil && !errors.Is(err, state.ErrNotFound) {
			return errors.Wrapf(err, errors.KindTransientIO, "failed to delete zone %q", id)
		}
	}

	next := make(map[string]Zone, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	r.zones.Store(&next)

	r.logger.Info("zone removed", "zone", id)
	return nil
}

// FindByAddr returns the enabled zone with the most specific network
// containing ip. Ties go to the lowest id.
func (r *Registry) FindByAddr(ip netip.Addr) (Zone, bool) {
	ip = ip.Unmap()
	var (
		best     Zone
		bestBits = -1
	)
	for _, z := range r.List() {
		if !z.Enabled {
			continue
		}
		for _, p := range z.Prefixes() {
			if p.Contains(ip) && p.Bits() > bestBits {
				best, bestBits = z, p.Bits()
			}
		}
	}
	return best, bestBits >= 0
}

// FindByInterface returns the enabled zone owning the named interface,
// either as a member interface or as its VPN tunnel.
func (r *Registry) FindByInterface(name string) (Zone, bool) {
	for _, z := range r.List() {
		if !z.Enabled {
			continue
		}
		if slices.Contains(z.Interfaces, name) || (z.VPN != nil && z.VPN.Interface == name) {
			return z, true
		}
	}
	return Zone{}, false
}
