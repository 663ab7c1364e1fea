// Package hints implements the hint-log space watchdog described in
// spec §4.5: a periodic disk-usage scan that toggles, per shard, whether
// new hints may be written.
package hints

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/yuantianwen/scylla/internal/log"
)

// EndpointManager is the per-endpoint half of the shard manager contract
// (spec §6, "Shard manager contract"). The watchdog only ever needs the
// file-update exclusion primitive it holds during a directory scan.
type EndpointManager interface {
	// FileUpdateMutex is held for the duration of a directory scan of
	// this endpoint's hint files, so a concurrent hint writer doesn't
	// race the watchdog's file_size reads.
	FileUpdateMutex() sync.Locker
}

// ShardManager is the per-shard half of the contract the watchdog drives
// once per tick (spec §4.5, §6).
type ShardManager interface {
	// HintsDir is the root directory containing one sub-directory per
	// endpoint this shard has buffered hints for.
	HintsDir() string
	// FindEndpointManager looks up the live EndpointManager for an
	// endpoint directory name, if one is currently registered.
	FindEndpointManager(endpoint string) (EndpointManager, bool)
	// EndpointManagers returns every currently registered endpoint
	// manager, keyed by endpoint name; its length is the
	// endpoint_manager_count the adjusted quota reserves one segment
	// per entry of.
	EndpointManagers() map[string]EndpointManager

	ClearEndpointsWithPendingHints()
	AddEndpointWithPendingHints(endpoint string)
	ForbidHintsForPendingEndpoints()
	AllowHints()
	ForbidHints()
}

// ResourceManagerConfig holds the space watchdog's tunables (spec §4.5).
type ResourceManagerConfig struct {
	// WatchdogPeriod is how long the watchdog waits between the end of
	// one tick and the start of the next.
	WatchdogPeriod time.Duration
	// MaxShardDiskSpace is the total quota a shard's hint directory is
	// allowed to occupy, before reserving per-endpoint segments.
	MaxShardDiskSpace uint64
	// HintSegmentSize is the size reserved per registered endpoint when
	// computing the adjusted quota.
	HintSegmentSize uint64
}

// SpaceWatchdog runs the periodic scan described in spec §4.5. It has no
// compile-time dependency on any concrete hint store: it only calls
// through the ShardManager/EndpointManager interfaces a caller supplies.
type SpaceWatchdog struct {
	cfg      ResourceManagerConfig
	managers func() []ShardManager

	Logger  log.Logger
	metrics *WatchdogMetrics

	gate    *Gate
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewSpaceWatchdog builds a watchdog over the shard managers managers
// returns at the time of each tick (so a registry can grow after the
// watchdog starts; spec §5, "callers must register before start()"
// governs the initial set, not later growth within one registry).
func NewSpaceWatchdog(cfg ResourceManagerConfig, managers func() []ShardManager) *SpaceWatchdog {
	return &SpaceWatchdog{
		cfg:      cfg,
		managers: managers,
		gate:     NewGate(),
	}
}

// Metrics returns the watchdog's Prometheus gauges, lazily constructing
// them on first call.
func (w *SpaceWatchdog) Metrics() *WatchdogMetrics {
	if w.metrics == nil {
		w.metrics = NewWatchdogMetrics()
	}
	return w.metrics
}

// Start arms the first tick immediately and begins the complete-then-
// rearm scheduling loop described in spec §9 ("Watchdog timer").
func (w *SpaceWatchdog) Start() {
	if w.started {
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run()
}

// Stop closes the gate — which blocks until any in-flight tick has
// completed — before tearing down the scheduling loop (spec §4.5,
// "ticks do not overlap"; §5, "watchdog is cancelled by closing its
// gate").
func (w *SpaceWatchdog) Stop() {
	if !w.started {
		return
	}
	w.gate.Close()
	close(w.stopCh)
	<-w.doneCh
}

func (w *SpaceWatchdog) run() {
	defer close(w.doneCh)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-timer.C:
		}
		if !w.gate.Enter() {
			return
		}
		w.tick()
		w.gate.Leave()
		timer.Reset(w.cfg.WatchdogPeriod)
	}
}

// tick implements spec §4.5 steps 2-6 (on_timer): scan every registered
// shard manager's hints directory, decide allow/forbid, and fall back to
// a global forbid on any scan error, grounded on
// space_watchdog::on_timer in the original source.
func (w *SpaceWatchdog) tick() {
	managers := w.managers()
	var totalBytes uint64
	var endpointCount int

	err := func() error {
		for _, sm := range managers {
			size, err := w.scanShard(sm)
			if err != nil {
				return err
			}
			totalBytes += size
			endpointCount += len(sm.EndpointManagers())
		}
		return nil
	}()

	if err != nil {
		for _, sm := range managers {
			sm.ForbidHints()
		}
		log.OrDiscard(w.Logger).Infof("hints: space watchdog tick failed, forbidding all hints: %v", err)
		w.Metrics().observe(totalBytes, false)
		return
	}

	// Every shard manager receives the same verb this tick: the decision
	// is made once against the aggregate total_size/adjusted_quota, not
	// per shard (spec §4.5 step 4, §8 property 5 "quota monotonicity").
	adjustedQuota := adjustedQuota(w.cfg.MaxShardDiskSpace, w.cfg.HintSegmentSize, endpointCount)
	allow := totalBytes < adjustedQuota
	for _, sm := range managers {
		if allow {
			sm.AllowHints()
		} else {
			sm.ForbidHintsForPendingEndpoints()
		}
	}
	w.Metrics().observe(totalBytes, allow)
}

func adjustedQuota(maxShardDiskSpace, hintSegmentSize uint64, endpointCount int) uint64 {
	reserved := uint64(endpointCount) * hintSegmentSize
	if reserved >= maxShardDiskSpace {
		return 0
	}
	return maxShardDiskSpace - reserved
}

// scanShard implements spec §4.5 step 2: clear the shard's pending-hints
// set, enumerate its endpoint directories, and sum every regular file's
// size, detecting endpoints with two or more hint files along the way.
func (w *SpaceWatchdog) scanShard(sm ShardManager) (totalSize uint64, err error) {
	sm.ClearEndpointsWithPendingHints()

	entries, err := os.ReadDir(sm.HintsDir())
	if err != nil {
		return 0, errors.Wrapf(err, "hints: listing %s", sm.HintsDir())
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		endpoint := entry.Name()

		var unlock func()
		if mgr, found := sm.FindEndpointManager(endpoint); found {
			mu := mgr.FileUpdateMutex()
			mu.Lock()
			unlock = mu.Unlock
		}

		size, pending, scanErr := scanEndpointDir(filepath.Join(sm.HintsDir(), endpoint))

		if unlock != nil {
			unlock()
		}
		if scanErr != nil {
			return 0, errors.Wrapf(scanErr, "hints: scanning endpoint dir %s", endpoint)
		}
		if pending {
			sm.AddEndpointWithPendingHints(endpoint)
		}
		totalSize += size
	}
	return totalSize, nil
}

// scanEndpointDir sums the size of every regular file directly inside
// dir and reports whether a second regular file was observed (spec §4.5
// step 2c, §8 property 6), grounded on scan_one_ep_dir.
func scanEndpointDir(dir string) (size uint64, pending bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, err
	}
	filesCount := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return 0, false, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		filesCount++
		if filesCount == 2 {
			pending = true
		}
		size += uint64(info.Size())
	}
	return size, pending, nil
}

// ResourceManager owns the shard manager registry the watchdog iterates
// (spec §4.5, "Shard manager registry"). Callers must RegisterManager
// every shard before calling Start (spec §5).
type ResourceManager struct {
	mu       sync.Mutex
	managers []ShardManager
	watchdog *SpaceWatchdog
	cfg      ResourceManagerConfig
	Logger   log.Logger
}

// NewResourceManager builds a ResourceManager with the given watchdog
// tunables. The watchdog itself isn't started until Start is called.
func NewResourceManager(cfg ResourceManagerConfig) *ResourceManager {
	return &ResourceManager{cfg: cfg}
}

// RegisterManager adds sm to the registry the watchdog scans. Must be
// called before Start (spec §5).
func (r *ResourceManager) RegisterManager(sm ShardManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers = append(r.managers, sm)
}

// Start begins the space watchdog over the currently registered shard
// managers.
func (r *ResourceManager) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchdog = NewSpaceWatchdog(r.cfg, r.snapshotManagers)
	r.watchdog.Logger = r.Logger
	r.watchdog.Start()
}

// Stop cancels the space watchdog, waiting for any in-flight tick to
// finish first.
func (r *ResourceManager) Stop() {
	r.mu.Lock()
	w := r.watchdog
	r.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Metrics returns the running watchdog's metrics, or nil if Start hasn't
// been called yet.
func (r *ResourceManager) Metrics() *WatchdogMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchdog == nil {
		return nil
	}
	return r.watchdog.Metrics()
}

func (r *ResourceManager) snapshotManagers() []ShardManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ShardManager, len(r.managers))
	copy(out, r.managers)
	return out
}
