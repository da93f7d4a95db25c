// Package audit writes the tamper-evident log of sensitive actions: an
// append-only file of JSON records chained by SHA-256 hashes, rotated by
// size, verifiable across restarts and rotations.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
)

var log = logrus.WithField("component", "audit")

// Genesis is the well-known previous-hash of the first record ever
// written to a fresh log series.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// hashDomain separates audit hashes from other SHA-256 uses.
const hashDomain = "marain/audit/v1"

// Record is one audit entry. Hash covers every preceding field plus
// PrevHash, so any edit to a stored record breaks the chain.
type Record struct {
	ID       string         `json:"id"`
	TS       time.Time      `json:"ts"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Detail   map[string]any `json:"detail,omitempty"`
	Peer     string         `json:"peer,omitempty"`
	Result   string         `json:"result"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// ComputeHash derives the record's chain hash from its fields.
func (r *Record) ComputeHash() string {
	detail, _ := json.Marshal(r.Detail)
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0})
	for _, part := range []string{
		r.ID,
		r.TS.UTC().Format(time.RFC3339Nano),
		r.Actor,
		r.Action,
		r.Target,
		string(detail),
		r.Peer,
		r.Result,
		r.PrevHash,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Options tunes the log.
type Options struct {
	// MaxSize is the rotation threshold in bytes. Zero uses 10 MiB.
	MaxSize int64
	// MaxRotations caps the number of rotated files kept; the oldest is
	// pruned past the cap. Zero keeps everything.
	MaxRotations int
	// Fsync syncs after every append. On by default via DefaultOptions.
	Fsync bool
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{MaxSize: 10 << 20, MaxRotations: 10, Fsync: true}
}

// Log is the append-only audit writer. Writers serialize through an
// internal mutex; verification reads the finalized files.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
	tail string
	opts Options
}

// Open opens (or creates) the audit log at path and recovers the chain
// tail from the newest record on disk, falling back through rotated files
// so a rotation that crashed before its first new record still chains.
func Open(path string, opts Options) (*Log, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10 << 20
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Audit("create audit directory", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errs.Audit("open audit file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Audit("stat audit file", err)
	}

	l := &Log{path: path, f: f, size: info.Size(), opts: opts}
	tail, err := recoverTail(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.tail = tail
	return l, nil
}

// recoverTail finds the hash the next record must chain to: the last
// record of the active file, else the last record of the newest rotated
// file, else genesis.
func recoverTail(path string) (string, error) {
	for _, candidate := range append([]string{path}, rotatedFiles(path)...) {
		records, err := ReadRecords(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if len(records) > 0 {
			return records[len(records)-1].Hash, nil
		}
	}
	return Genesis, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Tail returns the hash of the most recent record, or genesis.
func (l *Log) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Record appends one entry. Implements the storage engine's Recorder.
func (l *Log) Record(actor, action, target string, detail map[string]any, result string) error {
	return l.RecordWithPeer(actor, action, target, detail, "", result)
}

// RecordWithPeer appends one entry carrying the peer address of the
// request that triggered it.
func (l *Log) RecordWithPeer(actor, action, target string, detail map[string]any, peer, result string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ID:       ids.New(),
		TS:       time.Now().UTC(),
		Actor:    actor,
		Action:   action,
		Target:   target,
		Detail:   detail,
		Peer:     peer,
		Result:   result,
		PrevHash: l.tail,
	}
	rec.Hash = rec.ComputeHash()

	line, err := json.Marshal(rec)
	if err != nil {
		return errs.Audit("encode audit record", err)
	}
	line = append(line, '\n')

	n, err := l.f.Write(line)
	if err != nil {
		return errs.Audit("append audit record", err)
	}
	if l.opts.Fsync {
		if err := l.f.Sync(); err != nil {
			return errs.Audit("sync audit file", err)
		}
	}

	l.size += int64(n)
	l.tail = rec.Hash

	if l.size >= l.opts.MaxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	return nil
}

// rotate renames the active file to .1 (shifting existing suffixes up),
// prunes past MaxRotations, and opens a fresh active file. The in-memory
// tail carries forward so the new file's first record still chains.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return errs.Audit("close before rotation", err)
	}

	suffixes := rotationSuffixes(l.path)
	sort.Sort(sort.Reverse(sort.IntSlice(suffixes)))
	for _, n := range suffixes {
		src := fmt.Sprintf("%s.%d", l.path, n)
		if l.opts.MaxRotations > 0 && n+1 > l.opts.MaxRotations {
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				return errs.Audit("prune rotated file", err)
			}
			continue
		}
		if err := os.Rename(src, fmt.Sprintf("%s.%d", l.path, n+1)); err != nil {
			return errs.Audit("shift rotated file", err)
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return errs.Audit("rotate audit file", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.Audit("open fresh audit file", err)
	}
	l.f = f
	l.size = 0
	log.WithField("path", l.path).Info("audit log rotated")
	return nil
}

// rotationSuffixes lists the numeric suffixes present on disk, unsorted.
func rotationSuffixes(path string) []int {
	matches, _ := filepath.Glob(path + ".*")
	var out []int
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, path+"."))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// rotatedFiles returns the rotated file paths newest first
// (secure.log.1, secure.log.2, ...).
func rotatedFiles(path string) []string {
	suffixes := rotationSuffixes(path)
	sort.Ints(suffixes)
	out := make([]string, 0, len(suffixes))
	for _, n := range suffixes {
		out = append(out, fmt.Sprintf("%s.%d", path, n))
	}
	return out
}

// ReadRecords decodes every record in one file, in order.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, errs.Audit(fmt.Sprintf("decode record %d in %s", len(out), path), err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Audit("read "+path, err)
	}
	return out, nil
}
