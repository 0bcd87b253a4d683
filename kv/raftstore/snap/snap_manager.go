package snap

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"golang.org/x/time/rate"

	"github.com/rangekv/rangekv/log"
)

type SnapEntry int

const (
	SnapEntryGenerating SnapEntry = 1
	SnapEntrySending    SnapEntry = 2
	SnapEntryReceiving  SnapEntry = 3
	SnapEntryApplying   SnapEntry = 4
)

func (e SnapEntry) String() string {
	switch e {
	case SnapEntryGenerating:
		return "generating"
	case SnapEntrySending:
		return "sending"
	case SnapEntryReceiving:
		return "receiving"
	case SnapEntryApplying:
		return "applying"
	}
	return "unknown"
}

type SnapStats struct {
	ReceivingCount int
	SendingCount   int
}

// SnapManager tracks all snapshot files under a single directory and
// arbitrates their life cycle. A snapshot registered by a peer (being
// generated, sent, received or applied) won't be garbage collected.
type SnapManager struct {
	base         string
	snapSize     *int64
	registryLock sync.RWMutex
	registry     map[SnapKey][]SnapEntry
	limiter      *rate.Limiter
	MaxTotalSize uint64
}

func NewSnapManager(path string) *SnapManager {
	return new(SnapManagerBuilder).Build(path)
}

func (sm *SnapManager) Init() error {
	fi, err := os.Stat(sm.base)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(sm.base, 0700); mkErr != nil {
			return errors.WithStack(mkErr)
		}
		return nil
	case err != nil:
		return errors.WithStack(err)
	case !fi.IsDir():
		return errors.Errorf("%s should be a directory", sm.base)
	}
	// Leftover tmp files belong to an interrupted run and can go; finished
	// SST files count towards the total size.
	entries, err := ioutil.ReadDir(sm.base)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, suffixTmp):
			if rmErr := os.Remove(filepath.Join(sm.base, name)); rmErr != nil {
				return errors.WithStack(rmErr)
			}
		case strings.HasSuffix(name, suffixSST):
			atomic.AddInt64(sm.snapSize, entry.Size())
		}
	}
	return nil
}

// parseMetaName decodes a meta file name of the form
// (gen|rev)_<region>_<term>_<index> into its key.
func parseMetaName(name string) (SnapKeyWithSending, error) {
	var key SnapKeyWithSending
	key.IsSending = strings.HasPrefix(name, prefixGenerated)
	parts := strings.Split(name, "_")
	if len(parts) != 4 {
		return key, errors.Errorf("failed to parse file %s", name)
	}
	var err error
	if key.SnapKey.RegionID, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return key, errors.WithStack(err)
	}
	if key.SnapKey.Term, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return key, errors.WithStack(err)
	}
	if key.SnapKey.Index, err = strconv.ParseUint(parts[3], 10, 64); err != nil {
		return key, errors.WithStack(err)
	}
	return key, nil
}

func (sm *SnapManager) ListIdleSnap() ([]SnapKeyWithSending, error) {
	entries, err := ioutil.ReadDir(sm.base)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	idle := make([]SnapKeyWithSending, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffixMeta) {
			continue
		}
		key, err := parseMetaName(name[:len(name)-len(suffixMeta)])
		if err != nil {
			return nil, err
		}
		if sm.HasRegistered(key.SnapKey) {
			continue
		}
		idle = append(idle, key)
	}
	sort.Slice(idle, func(i, j int) bool {
		ki, kj := &idle[i].SnapKey, &idle[j].SnapKey
		switch {
		case ki.RegionID != kj.RegionID:
			return ki.RegionID < kj.RegionID
		case ki.Term != kj.Term:
			return ki.Term < kj.Term
		case ki.Index != kj.Index:
			return ki.Index < kj.Index
		}
		return !idle[i].IsSending
	})
	return idle, nil
}

func (sm *SnapManager) HasRegistered(key SnapKey) bool {
	sm.registryLock.RLock()
	_, ok := sm.registry[key]
	sm.registryLock.RUnlock()
	return ok
}

func (sm *SnapManager) GetTotalSnapSize() uint64 {
	return uint64(atomic.LoadInt64(sm.snapSize))
}

func (sm *SnapManager) GetSnapshotForBuilding(key SnapKey) (Snapshot, error) {
	if sm.GetTotalSnapSize() > sm.MaxTotalSize {
		if err := sm.evictIdleSnaps(); err != nil {
			return nil, err
		}
	}
	s, err := NewSnap(sm.base, key, sm.snapSize, true, true, sm)
	if err != nil {
		return nil, err
	}
	s.limiter = sm.limiter
	if err := s.prepareTmpFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

// evictIdleSnaps deletes unregistered generated snapshots, oldest first,
// until the total size drops back under the cap.
func (sm *SnapManager) evictIdleSnaps() error {
	idle, err := sm.ListIdleSnap()
	if err != nil {
		return err
	}
	type agedSnap struct {
		key     SnapKey
		snap    Snapshot
		modTime time.Time
	}
	var candidates []agedSnap
	for _, entry := range idle {
		if !entry.IsSending {
			continue
		}
		snapshot, err := sm.GetSnapshotForSending(entry.SnapKey)
		if err != nil {
			continue
		}
		fi, err := snapshot.Meta()
		if err != nil {
			return err
		}
		candidates = append(candidates, agedSnap{key: entry.SnapKey, snap: snapshot, modTime: fi.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.Before(candidates[j].modTime)
	})
	for sm.GetTotalSnapSize() > sm.MaxTotalSize {
		if len(candidates) == 0 {
			return errors.New("too many snapshots")
		}
		oldest := candidates[0]
		candidates = candidates[1:]
		sm.DeleteSnapshot(oldest.key, oldest.snap, false)
	}
	return nil
}

func (sm *SnapManager) GetSnapshotForSending(snapKey SnapKey) (Snapshot, error) {
	return NewSnapForSending(sm.base, snapKey, sm.snapSize, sm)
}

func (sm *SnapManager) GetSnapshotForReceiving(snapKey SnapKey, data []byte) (Snapshot, error) {
	snapshotData := new(rspb.RaftSnapshotData)
	if err := snapshotData.Unmarshal(data); err != nil {
		return nil, errors.WithStack(err)
	}
	return NewSnapForReceiving(sm.base, snapKey, snapshotData.Meta, sm.snapSize, sm)
}

func (sm *SnapManager) GetSnapshotForApplying(snapKey SnapKey) (Snapshot, error) {
	snapshot, err := NewSnapForApplying(sm.base, snapKey, sm.snapSize, sm)
	if err != nil {
		return nil, err
	}
	if !snapshot.Exists() {
		return nil, errors.Errorf("snapshot of %s not exists", snapKey)
	}
	return snapshot, nil
}

func (sm *SnapManager) Register(key SnapKey, entry SnapEntry) {
	log.Debugf("register key: %s, entry: %s", key, entry)
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()
	entries := sm.registry[key]
	for _, e := range entries {
		if e == entry {
			log.Warnf("%s is registered more than once", key)
			return
		}
	}
	sm.registry[key] = append(entries, entry)
}

func (sm *SnapManager) Deregister(key SnapKey, entry SnapEntry) {
	log.Debugf("deregister key: %s, entry: %s", key, entry)
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()
	entries := sm.registry[key]
	for i, e := range entries {
		if e != entry {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(sm.registry, key)
		} else {
			sm.registry[key] = entries
		}
		return
	}
	log.Warnf("stale deregister key: %s, entry: %s", key, entry)
}

func (sm *SnapManager) Stats() SnapStats {
	sm.registryLock.RLock()
	defer sm.registryLock.RUnlock()
	var stats SnapStats
	for _, entries := range sm.registry {
		var sending, receiving bool
		for _, entry := range entries {
			switch entry {
			case SnapEntryGenerating, SnapEntrySending:
				sending = true
			case SnapEntryReceiving, SnapEntryApplying:
				receiving = true
			}
		}
		if sending {
			stats.SendingCount++
		}
		if receiving {
			stats.ReceivingCount++
		}
	}
	return stats
}

func (sm *SnapManager) DeleteSnapshot(key SnapKey, snapshot Snapshot, checkEntry bool) bool {
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()
	entries, registered := sm.registry[key]
	if registered && (!checkEntry || len(entries) > 0) {
		log.Infof("skip to delete %s since it's registered with entries %v", snapshot.Path(), entries)
		return false
	}
	snapshot.Delete()
	return true
}

type SnapManagerBuilder struct {
	maxTotalSize  uint64
	ioBytesPerSec int64
}

func (smb *SnapManagerBuilder) MaxTotalSize(v uint64) *SnapManagerBuilder {
	smb.maxTotalSize = v
	return smb
}

// IOLimit caps the write rate of snapshot generation, in bytes per second.
func (smb *SnapManagerBuilder) IOLimit(bytesPerSec int64) *SnapManagerBuilder {
	smb.ioBytesPerSec = bytesPerSec
	return smb
}

func (smb *SnapManagerBuilder) Build(path string) *SnapManager {
	maxTotalSize := uint64(math.MaxUint64)
	if smb.maxTotalSize > 0 {
		maxTotalSize = smb.maxTotalSize
	}
	var limiter *rate.Limiter
	if smb.ioBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(smb.ioBytesPerSec), int(smb.ioBytesPerSec))
	}
	return &SnapManager{
		base:         path,
		snapSize:     new(int64),
		registry:     map[SnapKey][]SnapEntry{},
		limiter:      limiter,
		MaxTotalSize: maxTotalSize,
	}
}
