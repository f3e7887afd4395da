package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "roomcast/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json  (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl  (append-only journal, one full job per line)
//   - <prefix>.deliveries.jsonl    (append-only delivery log)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log       logx.Logger
	retention time.Duration

	snapshotPath string
	journalFile  *os.File
	deliveryFile *os.File

	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"
	deliveryPath := prefix + ".deliveries.jsonl"

	mem := newMemStore()
	if err := loadJobSnapshot(snapPath, mem.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	replayed, err := replayJobJournal(journalPath, mem.jobs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	if err := loadDeliveries(deliveryPath, &mem.deliveries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("delivery log unreadable", logx.String("path", deliveryPath), logx.Err(err))
	}

	if cfg.Retention > 0 {
		mem.pruneLocked(time.Now().Add(-cfg.Retention))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	s := &fileStore{
		memStore:     mem,
		log:          log,
		retention:    cfg.Retention,
		snapshotPath: snapPath,
		journalFile:  jf,
		deliveryFile: df,
		writes:       replayed,
	}
	mem.onJob = s.journalJob
	mem.onDelivery = s.appendDelivery

	log.Debug("file store opened", logx.Int("jobs", len(mem.jobs)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.deliveryFile != nil {
		errs = append(errs, s.deliveryFile.Close())
		s.deliveryFile = nil
	}
	return errors.Join(errs...)
}

// journalJob runs under memStore.mu.
func (s *fileStore) journalJob(j Job) error {
	if s.journalFile == nil {
		return errors.New("job journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(j); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// appendDelivery runs under memStore.mu.
func (s *fileStore) appendDelivery(d Delivery) error {
	if s.deliveryFile == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(d)
}

func (s *fileStore) compactLocked() error {
	if s.retention > 0 {
		s.pruneLocked(time.Now().Add(-s.retention))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadJobSnapshot(path string, out map[string]*Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]*Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return nil
}

func replayJobJournal(path string, out map[string]*Job) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var j Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil || j.ID == "" {
			continue
		}
		out[j.ID] = &j
		n++
	}
	return n, sc.Err()
}

func loadDeliveries(path string, out *[]Delivery) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		*out = append(*out, d)
	}
	return sc.Err()
}
