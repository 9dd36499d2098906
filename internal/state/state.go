package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

// DefaultDir is where the daemon keeps class snapshots.
const DefaultDir = "/run/pmqos"

var ErrInitState = errors.New("state: can not init state directory")

// Snapshot is a class's state as last written by the daemon.
type Snapshot struct {
	qos.Stats
	Updated time.Time `json:"updated"`
}

// Store keeps one JSON snapshot per class in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Init creates the state directory.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Mark(errors.Wrapf(err, "state: mkdir %s", s.dir), ErrInitState)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save atomically replaces the snapshot of snap's class.
func (s *Store) Save(snap *Snapshot) error {
	if snap.Name == "" || strings.ContainsRune(snap.Name, filepath.Separator) {
		return errors.Newf("state: invalid class name %q", snap.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	statePath := s.path(snap.Name)
	tempPath := statePath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return errors.Wrap(err, "state: can not save state")
	}
	defer os.Remove(tempPath)

	if err := json.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return errors.Wrap(err, "state: can not encode state")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "state: can not save state")
	}
	return errors.Wrap(os.Rename(tempPath, statePath), "state: can not save state")
}

// Load reads the snapshot of class name.
func (s *Store) Load(name string) (*Snapshot, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "state: can not open state of %s", name)
	}
	defer f.Close()

	snap := &Snapshot{}
	if err := json.NewDecoder(f).Decode(snap); err != nil {
		return nil, errors.Wrapf(err, "state: can not decode state of %s", name)
	}
	return snap, nil
}

// List returns every readable snapshot, sorted by class name.
func (s *Store) List() ([]*Snapshot, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "state: can not list state")
	}

	var snaps []*Snapshot
	for _, file := range files {
		name, ok := strings.CutSuffix(file.Name(), ".json")
		if !ok || file.IsDir() {
			continue
		}
		snap, err := s.Load(name)
		if err != nil {
			klog.Warningf("state: skipping %s: %v", file.Name(), err)
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps, nil
}

// Delete removes the snapshot of class name.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		return errors.Wrapf(err, "state: can not delete state of %s", name)
	}
	return nil
}

// Recorder is a class notifier that snapshots the class on every
// notification.
type Recorder struct {
	store *Store
	class *qos.Class
	now   func() time.Time
}

// Notify saves the class's current stats. Errors are logged.
func (r *Recorder) Notify(int32, any) {
	if err := r.save(); err != nil {
		klog.Errorf("state: %v", err)
	}
}

func (r *Recorder) save() error {
	return r.store.Save(&Snapshot{Stats: r.class.Stats(), Updated: r.now()})
}

// Record writes an initial snapshot of every class and keeps it current. On
// failure every recorder already registered is stopped.
func (s *Store) Record(reg *qos.Registry) ([]*Recorder, error) {
	var recorders []*Recorder
	fail := func(err error) ([]*Recorder, error) {
		for _, r := range recorders {
			if stopErr := r.Stop(); stopErr != nil {
				klog.Warningf("state: %v", stopErr)
			}
		}
		return nil, err
	}

	for _, c := range reg.Classes() {
		r := &Recorder{store: s, class: c, now: time.Now}
		if err := r.save(); err != nil {
			return fail(err)
		}
		if err := c.AddNotifier(r); err != nil {
			_ = s.Delete(c.Name())
			return fail(errors.Wrapf(err, "state: failed to register on %s", c.Name()))
		}
		recorders = append(recorders, r)
	}
	return recorders, nil
}

// Stop unregisters r and removes its snapshot.
func (r *Recorder) Stop() error {
	if err := r.class.RemoveNotifier(r); err != nil {
		return errors.Wrapf(err, "state: failed to unregister from %s", r.class.Name())
	}
	return r.store.Delete(r.class.Name())
}
