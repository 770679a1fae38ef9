// Package persistence periodically snapshots routing-table, peer-store,
// and info-hash metadata state to disk and restores it on startup,
// writing each file atomically and quarantining anything that fails
// validation on load. Grounded on go-ethereum's node database atomic
// write/checksum conventions, with an added directory lock and
// quarantine-on-corruption behavior for single-instance safety.
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"

	"github.com/dhthunter/crawler/internal/dhterr"
	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/peerstore"
	"github.com/dhthunter/crawler/internal/routingtable"
)

// Interval is the default periodic save cadence.
const Interval = 5 * time.Minute

const (
	routingTableFile = "routing_table.dat"
	peerStorageFile  = "peer_storage.dat"
	metadataFile     = "metadata.dat"
	lockFile         = "instance.lock"
)

// FileEntry is one file belonging to an info-hash's metadata record.
type FileEntry struct {
	Path string
	Size uint64
}

// InfoHashMetadata is populated externally by whatever acquires torrent
// metadata; the Manager only stores and persists it, never fabricates it.
type InfoHashMetadata struct {
	InfoHash dhttype.InfoHash
	Name     string
	Files    []FileEntry
}

// RoutingTable is the subset of routingtable.Table the manager snapshots
// and restores into.
type RoutingTable interface {
	Snapshot() []dhttype.Node
	Add(ctx context.Context, n dhttype.Node) routingtable.AddResult
}

// PeerStore is the subset of peerstore.Store the manager round-trips.
type PeerStore interface {
	Snapshot() map[dhttype.InfoHash][]peerstore.Peer
	Restore(data map[dhttype.InfoHash][]peerstore.Peer)
}

// Manager owns periodic and on-demand persistence of routing-table,
// peer-store, and info-hash metadata state to a configured directory.
type Manager struct {
	dir   string
	table RoutingTable
	peers PeerStore
	clock mclock.Clock
	log   log.Logger

	metaMu   chan struct{} // 1-buffered mutex, held only while metadata is touched
	metadata map[dhttype.InfoHash]InfoHashMetadata

	lock *flock.Flock
}

// New constructs a Manager rooted at dir. dir is created if absent.
func New(dir string, table RoutingTable, peers PeerStore, clock mclock.Clock, logger log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Root()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dhterr.Wrap(dhterr.CategoryPersistence, "creating persistence directory", err)
	}
	m := &Manager{
		dir:      dir,
		table:    table,
		peers:    peers,
		clock:    clock,
		log:      logger.New("component", "persistence"),
		metaMu:   make(chan struct{}, 1),
		metadata: make(map[dhttype.InfoHash]InfoHashMetadata),
		lock:     flock.New(filepath.Join(dir, lockFile)),
	}
	return m, nil
}

// AcquireDirectoryLock guards dir against a second instance writing into
// it concurrently; callers should hold it for the process lifetime.
func (m *Manager) AcquireDirectoryLock() error {
	ok, err := m.lock.TryLock()
	if err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "acquiring persistence directory lock", err)
	}
	if !ok {
		return dhterr.New(dhterr.CategoryPersistence, "persistence directory already locked by another instance")
	}
	return nil
}

// ReleaseDirectoryLock releases the lock acquired by AcquireDirectoryLock.
func (m *Manager) ReleaseDirectoryLock() error {
	return m.lock.Unlock()
}

// SetMetadata stores (or replaces) metadata for an info-hash, to be
// included in the next save.
func (m *Manager) SetMetadata(md InfoHashMetadata) {
	m.metaMu <- struct{}{}
	defer func() { <-m.metaMu }()
	m.metadata[md.InfoHash] = md
}

// Metadata returns the stored metadata for infoHash, if any.
func (m *Manager) Metadata(infoHash dhttype.InfoHash) (InfoHashMetadata, bool) {
	m.metaMu <- struct{}{}
	defer func() { <-m.metaMu }()
	md, ok := m.metadata[infoHash]
	return md, ok
}

// SaveNow writes all three artifacts immediately, continuing past a
// single file's failure so the other two still get a chance to save.
func (m *Manager) SaveNow() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(m.saveRoutingTable())
	record(m.savePeerStorage())
	record(m.saveMetadata())
	return firstErr
}

// Load restores all three artifacts from dir if present; a missing file
// yields empty state, never an error.
func (m *Manager) Load() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(m.loadRoutingTable())
	record(m.loadPeerStorage())
	record(m.loadMetadata())
	return firstErr
}

func (m *Manager) path(name string) string { return filepath.Join(m.dir, name) }

// writeAtomic encodes payload with a trailing CRC32 and writes it to
// name via a temp-file-then-rename so a crash mid-write never clobbers
// a good prior snapshot.
func (m *Manager) writeAtomic(name string, payload []byte) error {
	sum := crc32.ChecksumIEEE(payload)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)

	tmp := m.path(name + ".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "opening "+name+".tmp", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return dhterr.Wrap(dhterr.CategoryPersistence, "writing "+name+".tmp", err)
	}
	if _, err := f.Write(trailer[:]); err != nil {
		f.Close()
		return dhterr.Wrap(dhterr.CategoryPersistence, "writing "+name+".tmp checksum", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dhterr.Wrap(dhterr.CategoryPersistence, "syncing "+name+".tmp", err)
	}
	if err := f.Close(); err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "closing "+name+".tmp", err)
	}
	if err := os.Rename(tmp, m.path(name)); err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "renaming "+name+".tmp into place", err)
	}
	return nil
}

// readValidated reads name, verifies its trailing CRC32, and returns the
// payload with the trailer stripped. A missing file returns (nil, nil,
// false); a corrupt one is quarantined and returns an error.
func (m *Manager) readValidated(name string) ([]byte, error, bool) {
	data, err := os.ReadFile(m.path(name))
	if os.IsNotExist(err) {
		return nil, nil, false
	}
	if err != nil {
		return nil, dhterr.Wrap(dhterr.CategoryPersistence, "reading "+name, err), true
	}
	if len(data) < 4 {
		m.quarantine(name)
		return nil, dhterr.New(dhterr.CategoryPersistence, name+" too short to contain a checksum"), true
	}
	payload, trailer := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		m.quarantine(name)
		return nil, dhterr.New(dhterr.CategoryPersistence, name+" failed checksum validation"), true
	}
	return payload, nil, true
}

func (m *Manager) quarantine(name string) {
	dest := m.path(fmt.Sprintf("%s.corrupt.%d", name, time.Now().Unix()))
	if err := os.Rename(m.path(name), dest); err != nil {
		m.log.Error("failed to quarantine corrupt persistence file", "file", name, "err", err)
		return
	}
	m.log.Warn("quarantined corrupt persistence file", "file", name, "quarantined_as", dest)
}

// --- routing_table.dat: [u32 count]([20]byte id, endpoint)* ---

func (m *Manager) saveRoutingTable() error {
	nodes := m.table.Snapshot()
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(nodes)))
	for _, n := range nodes {
		buf.Write(n.ID[:])
		writeEndpoint(&buf, n.Addr)
	}
	return m.writeAtomic(routingTableFile, buf.Bytes())
}

func (m *Manager) loadRoutingTable() error {
	payload, err, present := m.readValidated(routingTableFile)
	if !present {
		return nil
	}
	if err != nil {
		return err
	}
	r := bytes.NewReader(payload)
	count, err := readU32(r)
	if err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "decoding "+routingTableFile, err)
	}
	for i := uint32(0); i < count; i++ {
		var id dhttype.ID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding node id", err)
		}
		addr, err := readEndpoint(r)
		if err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding node endpoint", err)
		}
		m.table.Add(context.Background(), dhttype.Node{ID: id, Addr: addr})
	}
	return nil
}

// --- peer_storage.dat: [u32 hash count]([20]byte info_hash, [u32 peer
// count](endpoint, u64 announced_at_unix_ms)*)* ---

func (m *Manager) savePeerStorage() error {
	snapshot := m.peers.Snapshot()
	wallNow := time.Now()
	monoNow := m.clock.Now()

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(snapshot)))
	for hash, peers := range snapshot {
		buf.Write(hash[:])
		writeU32(&buf, uint32(len(peers)))
		for _, p := range peers {
			writeEndpoint(&buf, p.Addr)
			elapsed := monoNow.Sub(p.AnnouncedAt)
			unixMs := wallNow.Add(-time.Duration(elapsed)).UnixMilli()
			writeU64(&buf, uint64(unixMs))
		}
	}
	return m.writeAtomic(peerStorageFile, buf.Bytes())
}

func (m *Manager) loadPeerStorage() error {
	payload, err, present := m.readValidated(peerStorageFile)
	if !present {
		return nil
	}
	if err != nil {
		return err
	}
	r := bytes.NewReader(payload)
	hashCount, err := readU32(r)
	if err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "decoding "+peerStorageFile, err)
	}

	wallNow := time.Now()
	monoNow := m.clock.Now()
	out := make(map[dhttype.InfoHash][]peerstore.Peer, hashCount)

	for i := uint32(0); i < hashCount; i++ {
		var hash dhttype.InfoHash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding info_hash", err)
		}
		peerCount, err := readU32(r)
		if err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding peer count", err)
		}
		peers := make([]peerstore.Peer, 0, peerCount)
		for j := uint32(0); j < peerCount; j++ {
			addr, err := readEndpoint(r)
			if err != nil {
				return dhterr.Wrap(dhterr.CategoryPersistence, "decoding peer endpoint", err)
			}
			unixMs, err := readU64(r)
			if err != nil {
				return dhterr.Wrap(dhterr.CategoryPersistence, "decoding announced_at", err)
			}
			announcedWall := time.UnixMilli(int64(unixMs))
			elapsed := wallNow.Sub(announcedWall)
			peers = append(peers, peerstore.Peer{Addr: addr, AnnouncedAt: monoNow - mclock.AbsTime(elapsed)})
		}
		out[hash] = peers
	}
	m.peers.Restore(out)
	return nil
}

// --- metadata.dat: [u32 count]([20]byte info_hash, u32 name_len, name,
// u32 file_count(u32 path_len, path, u64 size)*)* ---

func (m *Manager) saveMetadata() error {
	m.metaMu <- struct{}{}
	entries := make([]InfoHashMetadata, 0, len(m.metadata))
	for _, md := range m.metadata {
		entries = append(entries, md)
	}
	<-m.metaMu

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(entries)))
	for _, md := range entries {
		buf.Write(md.InfoHash[:])
		writeString(&buf, md.Name)
		writeU32(&buf, uint32(len(md.Files)))
		for _, f := range md.Files {
			writeString(&buf, f.Path)
			writeU64(&buf, f.Size)
		}
	}
	return m.writeAtomic(metadataFile, buf.Bytes())
}

func (m *Manager) loadMetadata() error {
	payload, err, present := m.readValidated(metadataFile)
	if !present {
		return nil
	}
	if err != nil {
		return err
	}
	r := bytes.NewReader(payload)
	count, err := readU32(r)
	if err != nil {
		return dhterr.Wrap(dhterr.CategoryPersistence, "decoding "+metadataFile, err)
	}
	loaded := make(map[dhttype.InfoHash]InfoHashMetadata, count)
	for i := uint32(0); i < count; i++ {
		var md InfoHashMetadata
		if _, err := io.ReadFull(r, md.InfoHash[:]); err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding metadata info_hash", err)
		}
		name, err := readString(r)
		if err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding metadata name", err)
		}
		md.Name = name
		fileCount, err := readU32(r)
		if err != nil {
			return dhterr.Wrap(dhterr.CategoryPersistence, "decoding file count", err)
		}
		md.Files = make([]FileEntry, 0, fileCount)
		for j := uint32(0); j < fileCount; j++ {
			path, err := readString(r)
			if err != nil {
				return dhterr.Wrap(dhterr.CategoryPersistence, "decoding file path", err)
			}
			size, err := readU64(r)
			if err != nil {
				return dhterr.Wrap(dhterr.CategoryPersistence, "decoding file size", err)
			}
			md.Files = append(md.Files, FileEntry{Path: path, Size: size})
		}
		loaded[md.InfoHash] = md
	}

	m.metaMu <- struct{}{}
	m.metadata = loaded
	<-m.metaMu
	return nil
}

// --- primitive encode/decode helpers ---

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// writeEndpoint encodes an Endpoint as [u8 family][4 or 16 bytes ip][u16
// port], family 4 for IPv4 and 6 for IPv6.
func writeEndpoint(buf *bytes.Buffer, addr dhttype.Endpoint) {
	ip := addr.Addr()
	if ip.Is4() {
		buf.WriteByte(4)
		b := ip.As4()
		buf.Write(b[:])
	} else {
		buf.WriteByte(6)
		b := ip.As16()
		buf.Write(b[:])
	}
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], addr.Port())
	buf.Write(port[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func readEndpoint(r *bytes.Reader) (dhttype.Endpoint, error) {
	family, err := r.ReadByte()
	if err != nil {
		return dhttype.Endpoint{}, err
	}
	var ip netip.Addr
	if family == 4 {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return dhttype.Endpoint{}, err
		}
		ip = netip.AddrFrom4(b)
	} else {
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return dhttype.Endpoint{}, err
		}
		ip = netip.AddrFrom16(b)
	}
	var portBytes [2]byte
	if _, err := io.ReadFull(r, portBytes[:]); err != nil {
		return dhttype.Endpoint{}, err
	}
	port := binary.LittleEndian.Uint16(portBytes[:])
	return netip.AddrPortFrom(ip, port), nil
}
