package snap

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Connor1996/badger"
	"github.com/Connor1996/badger/table"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"golang.org/x/time/rate"

	"github.com/rangekv/rangekv/kv/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

// JobStatus is the shared state word between a peer and the region worker
// running a snapshot job on its behalf. The peer flips it to Cancelling,
// the worker acknowledges with Cancelled or finishes on its own.
type JobStatus = uint32

const (
	JobStatus_Pending JobStatus = iota
	JobStatus_Running
	JobStatus_Cancelling
	JobStatus_Cancelled
	JobStatus_Finished
	JobStatus_Failed
)

type SnapStateType int

const (
	SnapState_Relax SnapStateType = iota
	SnapState_Generating
	SnapState_Applying
	SnapState_ApplyAborted
)

// SnapState records what a peer's storage is currently doing with
// snapshots, if anything.
type SnapState struct {
	StateType SnapStateType
	Status    *JobStatus
	Receiver  chan *eraftpb.Snapshot
}

// On-disk layout: a snapshot is one sst per column family plus a meta
// file, all sharing a "gen"/"rev" prefix that tells locally generated
// snapshots apart from received ones. Half-written files carry a .tmp
// suffix until they are renamed into place.
const (
	prefixGenerated = "gen"
	prefixReceived  = "rev"
	suffixSST       = ".sst"
	suffixTmp       = ".tmp"
	suffixMeta      = ".meta"

	snapshotVersion = 2

	delRetryAttempts = 6
	delRetryPause    = 500 * time.Millisecond
)

// ApplySnapAbortError reports that a snapshot ingestion was cancelled
// before it touched the db.
type ApplySnapAbortError string

func (e ApplySnapAbortError) Error() string {
	return string(e)
}

var errAbort = ApplySnapAbortError("abort")

// SnapKey names one snapshot: the region it covers and the raft position
// it was taken at.
type SnapKey struct {
	RegionID uint64
	Term     uint64
	Index    uint64
}

func (k SnapKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.RegionID, k.Term, k.Index)
}

type SnapKeyWithSending struct {
	SnapKey   SnapKey
	IsSending bool
}

func SnapKeyFromRegionSnap(regionID uint64, snap *eraftpb.Snapshot) SnapKey {
	return SnapKey{RegionID: regionID, Term: snap.Metadata.Term, Index: snap.Metadata.Index}
}

func SnapKeyFromSnap(snap *eraftpb.Snapshot) (SnapKey, error) {
	data := new(rspb.RaftSnapshotData)
	if err := data.Unmarshal(snap.Data); err != nil {
		return SnapKey{}, err
	}
	return SnapKeyFromRegionSnap(data.Region.Id, snap), nil
}

type SnapStatistics struct {
	Size    uint64
	KVCount int
}

type ApplyOptions struct {
	DB     *badger.DB
	Region *metapb.Region
	Abort  *uint32
}

// Snapshot covers the whole life of a snapshot file set: building it from
// a db transaction, streaming it out, writing a received stream down, and
// finally ingesting it. The same type serves both ends of the transfer.
type Snapshot interface {
	io.Reader
	io.Writer
	Build(dbSnap *badger.Txn, region *metapb.Region, snapData *rspb.RaftSnapshotData, stat *SnapStatistics, deleter SnapshotDeleter) error
	Path() string
	Exists() bool
	Delete()
	Meta() (os.FileInfo, error)
	TotalSize() uint64
	Save() error
	Apply(option ApplyOptions) error
}

// SnapshotDeleter serializes snapshot deletion against the registry, so a
// snapshot being sent or applied by one peer is never removed under it by
// another.
type SnapshotDeleter interface {
	// DeleteSnapshot returns true if it successfully deletes the specified snapshot.
	DeleteSnapshot(key SnapKey, snapshot Snapshot, checkEntry bool) bool
}

func deleteWithRetry(deleter SnapshotDeleter, key SnapKey, snap Snapshot) bool {
	for attempt := 0; attempt < delRetryAttempts; attempt++ {
		if deleter.DeleteSnapshot(key, snap, true) {
			return true
		}
		time.Sleep(delRetryPause)
	}
	return false
}

// cfSST is the per-column-family slice of a snapshot.
type cfSST struct {
	cf        string
	path      string
	tmpPath   string
	sstWriter *table.Builder
	file      *os.File

	kvCount int
	size    uint64
	written uint64

	checksum uint32
	digest   hash.Hash32
}

// metaRecord is the sidecar file listing every cf file with its size and
// checksum, serialized as a SnapshotMeta proto.
type metaRecord struct {
	meta    *rspb.SnapshotMeta
	path    string
	tmpPath string
	file    *os.File
}

var _ Snapshot = new(Snap)

type Snap struct {
	key         SnapKey
	displayPath string
	cfs         []*cfSST
	readIdx     int

	metaFile     *metaRecord
	sizeTrack    *int64
	limiter      *rate.Limiter
	holdTmpFiles bool
}

func buildMetaProto(cfs []*cfSST) (*rspb.SnapshotMeta, error) {
	entries := make([]*rspb.SnapshotCFFile, 0, len(cfs))
	for _, c := range cfs {
		if !isKnownCF(c.cf) {
			return nil, errors.Errorf("failed to encode invalid snapshot CF %s", c.cf)
		}
		entries = append(entries, &rspb.SnapshotCFFile{
			Cf:       c.cf,
			Size_:    c.size,
			Checksum: c.checksum,
		})
	}
	return &rspb.SnapshotMeta{CfFiles: entries}, nil
}

func isKnownCF(cf string) bool {
	for _, known := range engine_util.CFs {
		if known == cf {
			return true
		}
	}
	return false
}

func verifySize(path string, want uint64) error {
	size, err := util.GetFileSize(path)
	if err != nil {
		return err
	}
	if size != want {
		return errors.Errorf("invalid size %d for snapshot cf file %s, expected %d", size, path, want)
	}
	return nil
}

func verifyChecksum(path string, want uint32) error {
	sum, err := util.CalcCRC32(path)
	if err != nil {
		return err
	}
	if sum != want {
		return errors.Errorf("invalid checksum %d for snapshot cf file %s, expected %d", sum, path, want)
	}
	return nil
}

func displayName(dir string, prefix string) string {
	alternatives := "(" + strings.Join(engine_util.CFs[:], "|") + ")"
	return fmt.Sprintf("%s/%s_%s%s", dir, prefix, alternatives, suffixSST)
}

func NewSnap(dir string, key SnapKey, sizeTrack *int64, isSending, toBuild bool,
	deleter SnapshotDeleter) (*Snap, error) {
	if !util.DirExists(dir) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	namePrefix := prefixReceived
	if isSending {
		namePrefix = prefixGenerated
	}
	prefix := fmt.Sprintf("%s_%s", namePrefix, key)

	cfs := make([]*cfSST, 0, len(engine_util.CFs))
	for _, cf := range engine_util.CFs {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", prefix, cf, suffixSST))
		cfs = append(cfs, &cfSST{
			cf:      cf,
			path:    path,
			tmpPath: path + suffixTmp,
		})
	}
	metaPath := filepath.Join(dir, prefix+suffixMeta)
	s := &Snap{
		key:         key,
		displayPath: displayName(dir, prefix),
		cfs:         cfs,
		metaFile: &metaRecord{
			path:    metaPath,
			tmpPath: metaPath + suffixTmp,
		},
		sizeTrack: sizeTrack,
	}

	if util.FileExists(metaPath) {
		if err := s.restoreMeta(); err != nil {
			if !toBuild {
				return nil, err
			}
			// A stale or corrupt leftover; rebuilding is about to replace
			// it anyway.
			log.Warnf("failed to load existent snapshot meta when try to build %s: %v", s.Path(), err)
			if !deleteWithRetry(deleter, key, s) {
				log.Warnf("failed to delete snapshot %s because it's already registered elsewhere", s.Path())
				return nil, err
			}
		}
	}
	return s, nil
}

func NewSnapForBuilding(dir string, key SnapKey, sizeTrack *int64, deleter SnapshotDeleter) (*Snap, error) {
	s, err := NewSnap(dir, key, sizeTrack, true, true, deleter)
	if err != nil {
		return nil, err
	}
	if err := s.prepareTmpFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewSnapForSending(dir string, key SnapKey, sizeTrack *int64, deleter SnapshotDeleter) (*Snap, error) {
	s, err := NewSnap(dir, key, sizeTrack, true, false, deleter)
	if err != nil {
		return nil, err
	}
	if !s.Exists() {
		return s, nil
	}
	// Open the non-empty cf files so Read can stream them out in order.
	for _, c := range s.cfs {
		if c.size == 0 {
			continue
		}
		c.file, err = os.Open(c.path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return s, nil
}

func NewSnapForReceiving(dir string, key SnapKey, snapshotMeta *rspb.SnapshotMeta,
	sizeTrack *int64, deleter SnapshotDeleter) (*Snap, error) {
	s, err := NewSnap(dir, key, sizeTrack, false, false, deleter)
	if err != nil {
		return nil, err
	}
	if err := s.applyMetaProto(snapshotMeta); err != nil {
		return nil, err
	}
	if s.Exists() {
		return s, nil
	}
	f, err := os.OpenFile(s.metaFile.tmpPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	s.metaFile.file = f
	s.holdTmpFiles = true

	for _, c := range s.cfs {
		if c.size == 0 {
			continue
		}
		f, err = os.OpenFile(c.tmpPath, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		c.file = f
		c.digest = crc32.NewIEEE()
	}
	return s, nil
}

func NewSnapForApplying(dir string, key SnapKey, sizeTrack *int64, deleter SnapshotDeleter) (*Snap, error) {
	return NewSnap(dir, key, sizeTrack, false, false, deleter)
}

func (s *Snap) prepareTmpFiles() error {
	if s.Exists() {
		return nil
	}
	f, err := os.OpenFile(s.metaFile.tmpPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	s.metaFile.file = f
	s.holdTmpFiles = true
	for _, c := range s.cfs {
		f, err = os.OpenFile(c.tmpPath, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		c.sstWriter = table.NewExternalTableBuilder(f, s.limiter, badger.DefaultOptions.TableBuilderOptions)
	}
	return nil
}

func (s *Snap) readMetaFile() (*rspb.SnapshotMeta, error) {
	fi, err := os.Stat(s.metaFile.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := os.Open(s.metaFile.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	buf := make([]byte, fi.Size())
	if _, err = io.ReadFull(f, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	meta := new(rspb.SnapshotMeta)
	if err = meta.Unmarshal(buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return meta, nil
}

// applyMetaProto distributes the meta entries onto the per-cf slots,
// cross-checking that sizes on disk agree with what the meta claims.
func (s *Snap) applyMetaProto(meta *rspb.SnapshotMeta) error {
	if len(meta.CfFiles) != len(s.cfs) {
		return errors.Errorf("invalid CF number of snapshot meta, expect %d, got %d",
			len(s.cfs), len(meta.CfFiles))
	}
	for i, c := range s.cfs {
		entry := meta.CfFiles[i]
		if entry.Cf != c.cf {
			return errors.Errorf("invalid %d CF in snapshot meta, expect %s, got %s", i, c.cf, entry.Cf)
		}
		if util.FileExists(c.path) {
			// Only the size here; Exists relies on it being right.
			if err := verifySize(c.path, entry.GetSize_()); err != nil {
				return err
			}
		}
		c.size = entry.GetSize_()
		c.checksum = entry.GetChecksum()
	}
	s.metaFile.meta = meta
	return nil
}

func (s *Snap) restoreMeta() error {
	meta, err := s.readMetaFile()
	if err != nil {
		return err
	}
	if err = s.applyMetaProto(meta); err != nil {
		return err
	}
	// The meta survived but one of the cf files it names may not have.
	if !s.Exists() {
		return errors.Errorf("snapshot %s is corrupted, some cf file is missing", s.Path())
	}
	return nil
}

func (s *Snap) validate() error {
	for _, c := range s.cfs {
		if c.size == 0 {
			// An empty cf recorded checksum 0; the meta load already
			// vouched for it.
			continue
		}
		if err := verifyChecksum(c.path, c.checksum); err != nil {
			return err
		}
	}
	return nil
}

// sealCFFiles finishes every sst writer and moves the tmp files into
// their final names, collecting size and checksum along the way.
func (s *Snap) sealCFFiles() error {
	for _, c := range s.cfs {
		if c.kvCount > 0 {
			if err := c.sstWriter.Finish(); err != nil {
				return err
			}
		}
		size, err := util.GetFileSize(c.tmpPath)
		if err != nil {
			return err
		}
		if size == 0 {
			if _, err = util.DeleteFileIfExists(c.tmpPath); err != nil {
				return err
			}
			continue
		}
		if err = os.Rename(c.tmpPath, c.path); err != nil {
			return errors.WithStack(err)
		}
		c.size = size
		atomic.AddInt64(s.sizeTrack, int64(size))
		if c.checksum, err = util.CalcCRC32(c.path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snap) sealMetaFile() error {
	bin, err := s.metaFile.meta.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err = s.metaFile.file.Write(bin); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(s.metaFile.tmpPath, s.metaFile.path); err != nil {
		return errors.WithStack(err)
	}
	s.holdTmpFiles = false
	return nil
}

func (s *Snap) Build(dbSnap *badger.Txn, region *metapb.Region, snapData *rspb.RaftSnapshotData, stat *SnapStatistics, deleter SnapshotDeleter) error {
	if s.Exists() {
		err := s.validate()
		if err == nil {
			// Already built at this key, reuse it.
			return nil
		}
		log.Errorf("[region %d] file %s is corrupted, will rebuild: %v", region.Id, s.Path(), err)
		if !deleteWithRetry(deleter, s.key, s) {
			log.Errorf("[region %d] failed to delete corrupted snapshot %s because it's already registered elsewhere",
				region.Id, s.Path())
			return err
		}
		if err = s.prepareTmpFiles(); err != nil {
			return err
		}
	}

	builder := newSnapBuilder(s.cfs, dbSnap, region)
	if err := builder.build(); err != nil {
		return err
	}
	log.Infof("region %d scan snapshot %s, key count %d, size %d", region.Id, s.Path(), builder.kvCount, builder.size)
	if err := s.sealCFFiles(); err != nil {
		return err
	}
	stat.KVCount = builder.kvCount

	meta, err := buildMetaProto(s.cfs)
	if err != nil {
		return err
	}
	s.metaFile.meta = meta
	if err = s.sealMetaFile(); err != nil {
		return err
	}

	total := s.TotalSize()
	stat.Size = total
	snapData.FileSize = total
	snapData.Version = snapshotVersion
	snapData.Meta = meta
	return nil
}

func (s *Snap) Path() string {
	return s.displayPath
}

func (s *Snap) Exists() bool {
	for _, c := range s.cfs {
		if c.size > 0 && !util.FileExists(c.path) {
			return false
		}
	}
	return util.FileExists(s.metaFile.path)
}

func (s *Snap) Delete() {
	log.Debugf("deleting %s", s.Path())
	for _, c := range s.cfs {
		if s.holdTmpFiles {
			if _, err := util.DeleteFileIfExists(c.tmpPath); err != nil {
				panic(err)
			}
		}
		deleted, err := util.DeleteFileIfExists(c.path)
		if err != nil {
			panic(err)
		}
		if deleted {
			atomic.AddInt64(s.sizeTrack, -int64(c.size))
		}
	}
	if _, err := util.DeleteFileIfExists(s.metaFile.path); err != nil {
		panic(err)
	}
	if s.holdTmpFiles {
		if _, err := util.DeleteFileIfExists(s.metaFile.tmpPath); err != nil {
			panic(err)
		}
	}
}

func (s *Snap) Meta() (os.FileInfo, error) {
	fi, err := os.Stat(s.metaFile.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return fi, nil
}

func (s *Snap) TotalSize() uint64 {
	var total uint64
	for _, c := range s.cfs {
		total += c.size
	}
	return total
}

// Save finalizes a received snapshot: every cf must have arrived in full
// with a matching checksum before the tmp files are renamed into place.
func (s *Snap) Save() error {
	log.Debugf("saving to %s", s.metaFile.path)
	for _, c := range s.cfs {
		if c.size == 0 {
			continue
		}
		if c.written != c.size {
			return errors.Errorf("snapshot file %s for CF %s size mismatch, real size %d, expected %d",
				c.path, c.cf, c.written, c.size)
		}
		if sum := c.digest.Sum32(); sum != c.checksum {
			return errors.Errorf("snapshot file %s for CF %s checksum mismatch, real checksum %d, expected %d",
				c.path, c.cf, sum, c.checksum)
		}
		if err := os.Rename(c.tmpPath, c.path); err != nil {
			return errors.WithStack(err)
		}
		atomic.AddInt64(s.sizeTrack, int64(c.size))
	}

	bin, err := s.metaFile.meta.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err = s.metaFile.file.Write(bin); err != nil {
		return errors.WithStack(err)
	}
	if err = s.metaFile.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(s.metaFile.tmpPath, s.metaFile.path); err != nil {
		return errors.WithStack(err)
	}
	s.holdTmpFiles = false
	return nil
}

func (s *Snap) Apply(opts ApplyOptions) error {
	if err := s.validate(); err != nil {
		return err
	}
	if opts.Abort != nil {
		if err := checkAbort(opts.Abort); err != nil {
			return err
		}
	}

	external := make([]*os.File, 0, len(s.cfs))
	for _, c := range s.cfs {
		if c.size == 0 {
			continue
		}
		f, err := os.Open(c.path)
		if err != nil {
			log.Errorf("open ingest file %s failed: %s", c.path, err)
			return err
		}
		external = append(external, f)
	}

	n, err := opts.DB.IngestExternalFiles(external)
	if err != nil {
		log.Errorf("ingest sst failed (first %d files succeeded): %s", n, err)
		return err
	}
	log.Infof("apply snapshot ingested %d tables", n)
	return nil
}

func checkAbort(status *uint32) error {
	if atomic.LoadUint32(status) == JobStatus_Cancelling {
		return errAbort
	}
	return nil
}

// Read streams the cf files back to back, in the order the meta lists
// them. The receiver recovers the boundaries from the sizes in the meta.
func (s *Snap) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for s.readIdx < len(s.cfs) {
		c := s.cfs[s.readIdx]
		if c.size == 0 {
			s.readIdx++
			continue
		}
		n, err := c.file.Read(b)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			s.readIdx++
			continue
		}
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}
	return 0, io.EOF
}

// Write is Read's mirror image: it slices the incoming stream along cf
// boundaries using the expected sizes, feeding each cf's digest as it
// goes.
func (s *Snap) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	rest := b
	for s.readIdx < len(s.cfs) && len(rest) > 0 {
		c := s.cfs[s.readIdx]
		missing := c.size - c.written
		if missing == 0 {
			s.readIdx++
			continue
		}
		chunk := rest
		if uint64(len(chunk)) > missing {
			chunk = chunk[:missing]
		}
		if _, err := c.file.Write(chunk); err != nil {
			return 0, errors.WithStack(err)
		}
		c.digest.Write(chunk)
		c.written += uint64(len(chunk))
		rest = rest[len(chunk):]
		if c.written == c.size {
			s.readIdx++
		}
	}
	return len(b) - len(rest), nil
}

// Drop cleans up after an interrupted transfer. Anything half-written
// (tmp files around, or meta present without its cf files) is removed
// wholesale.
func (s *Snap) Drop() {
	partial := util.FileExists(s.metaFile.tmpPath)
	if !partial {
		for _, c := range s.cfs {
			if util.FileExists(c.tmpPath) {
				partial = true
				break
			}
		}
	}
	if partial || !s.Exists() {
		s.Delete()
	}
}
