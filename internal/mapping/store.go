package mapping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/logging"
)

// DefaultPath is the mapping file used when none is configured.
const DefaultPath = ".eltag/mappings.json"

// Options configure a Store.
type Options struct {
	Path string
	// Format is "json" or "yaml". Empty selects by Path's extension.
	Format     string
	Backup     bool
	BackupDir  string
	MaxBackups int
	// Config is recorded in the document on every save.
	Config GenerationConfig
}

// EventType names a store change.
type EventType string

const (
	EventSaved         EventType = "saved"
	EventFileReplaced  EventType = "file_replaced"
	EventFileRemoved   EventType = "file_removed"
	EventMappingUpdate EventType = "mapping_updated"
	EventMappingRemove EventType = "mapping_removed"
	EventBatch         EventType = "batch"
)

// Event is published to watchers after every successful change.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Files     []string   `json:"files,omitempty"`
	IDs       []string   `json:"ids,omitempty"`
	Result    SaveResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// SaveResult counts what a change did.
type SaveResult struct {
	Added     int  `json:"added"`
	Updated   int  `json:"updated"`
	Unchanged int  `json:"unchanged"`
	Moved     int  `json:"moved"`
	Removed   int  `json:"removed"`
	Persisted bool `json:"persisted"`
}

func (r SaveResult) changed() bool {
	return r.Added+r.Updated+r.Moved+r.Removed > 0
}

// Batch is a set of changes applied and persisted together. RemoveFiles
// run first, then RemoveIDs, then ReplaceFiles, then Upserts.
type Batch struct {
	Upserts      []ElementMapping
	ReplaceFiles map[string][]ElementMapping
	RemoveFiles  []string
	RemoveIDs    []string
}

// Patch is a partial update of one mapping. Nil fields are left alone.
type Patch struct {
	TagName    *string
	Content    *string
	Hash       *string
	Attributes map[string]string
	// RemoveAttributes are deleted after Attributes are merged.
	RemoveAttributes []string
}

// Store holds the mapping document in memory and persists it atomically.
// Reads are served under a RWMutex; changes are serialized by saveMu.
type Store struct {
	opts   Options
	codec  Codec
	logger logging.Logger
	now    func() time.Time

	mu     sync.RWMutex
	data   *MappingFile
	index  map[string]string
	dirty  bool
	exists bool

	saveMu sync.Mutex

	watchMu  sync.Mutex
	watchers []chan Event
}

// NewStore creates a store. Call Load to read the existing file.
func NewStore(opts Options, logger logging.Logger) (*Store, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	codec, err := CodecFor(opts.Format, opts.Path)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, err.Error())
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		opts:   opts,
		codec:  codec,
		logger: logger.WithComponent("mapping"),
		now:    time.Now,
		data:   NewMappingFile(opts.Config),
		index:  make(map[string]string),
	}, nil
}

// Path returns the mapping file path.
func (s *Store) Path() string { return s.opts.Path }

// Format returns the encoding in use.
func (s *Store) Format() Format { return s.codec.Format() }

// Load reads the mapping file. A missing file yields an empty store. A file
// that cannot be decoded also yields an empty store and a warning; the
// corrupt file is overwritten on the next save (and backed up first when
// backups are enabled). Invalid entries are dropped with a warning each.
func (s *Store) Load() (*MappingFile, []ValidationWarning, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	ctx := context.Background()
	raw, err := os.ReadFile(s.opts.Path)
	switch {
	case os.IsNotExist(err):
		s.install(NewMappingFile(s.opts.Config), false, false)
		s.logger.Debug(ctx, "No mapping file, starting empty", "path", s.opts.Path)
		return s.Snapshot(), nil, nil
	case err != nil:
		return nil, nil, errors.NewStoreError(errors.ErrCodeStoreLoad, "read mapping file", err).WithFile(s.opts.Path)
	}

	doc, err := s.codec.Decode(raw)
	if err != nil {
		warn := ValidationWarning{FilePath: s.opts.Path, Message: "corrupt mapping file: " + err.Error()}
		s.logger.Warn(ctx, err, "Mapping file is corrupt, starting empty", "path", s.opts.Path)
		s.install(NewMappingFile(s.opts.Config), true, false)
		return s.Snapshot(), []ValidationWarning{warn}, nil
	}

	var warnings []ValidationWarning
	if err := doc.Validate(); err != nil {
		warnings = append(warnings, ValidationWarning{FilePath: s.opts.Path, Message: err.Error()})
		doc.Version = FormatVersion
	}
	if doc.Files == nil {
		doc.Files = make(map[string][]ElementMapping)
	}
	warnings = append(warnings, sanitize(doc)...)
	doc.Stats = computeStats(doc.Files, doc.Stats.LastUpdated)

	for _, w := range warnings {
		s.logger.Warn(ctx, nil, "Dropped mapping entry", "entry", w.String())
	}
	s.install(doc, true, len(warnings) > 0)
	s.logger.Info(ctx, "Loaded mappings", "path", s.opts.Path,
		"files", doc.Stats.TotalFiles, "elements", doc.Stats.TotalElements, "warnings", len(warnings))
	return s.Snapshot(), warnings, nil
}

func (s *Store) install(doc *MappingFile, exists, dirty bool) {
	index := make(map[string]string)
	for p, list := range doc.Files {
		for _, m := range list {
			index[m.ID] = p
		}
	}
	s.mu.Lock()
	s.data = doc
	s.index = index
	s.exists = exists
	s.dirty = dirty
	s.mu.Unlock()
}

// Save upserts mappings, last write wins per ID. A mapping whose ID is
// already recorded under another file moves to its new file.
func (s *Store) Save(ctx context.Context, mappings []ElementMapping) (SaveResult, error) {
	return s.apply(ctx, Batch{Upserts: mappings}, EventSaved)
}

// ReplaceFile makes mappings the complete bucket for path.
func (s *Store) ReplaceFile(ctx context.Context, path string, mappings []ElementMapping) (SaveResult, error) {
	return s.apply(ctx, Batch{ReplaceFiles: map[string][]ElementMapping{path: mappings}}, EventFileReplaced)
}

// RemoveFile drops every mapping of path.
func (s *Store) RemoveFile(ctx context.Context, path string) (SaveResult, error) {
	return s.apply(ctx, Batch{RemoveFiles: []string{path}}, EventFileRemoved)
}

// Remove drops one mapping.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return errors.ErrMappingNotFound(id)
	}
	_, err := s.apply(ctx, Batch{RemoveIDs: []string{id}}, EventMappingRemove)
	return err
}

// Apply commits a batch.
func (s *Store) Apply(ctx context.Context, b Batch) (SaveResult, error) {
	return s.apply(ctx, b, EventBatch)
}

// Update patches one mapping and returns the result.
func (s *Store) Update(ctx context.Context, id string, p Patch) (ElementMapping, error) {
	m, err := s.GetByID(id)
	if err != nil {
		return ElementMapping{}, err
	}
	if p.TagName != nil {
		m.TagName = *p.TagName
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Hash != nil {
		m.Hash = *p.Hash
	}
	if len(p.Attributes) > 0 && m.Attributes == nil {
		m.Attributes = make(map[string]string, len(p.Attributes))
	}
	for k, v := range p.Attributes {
		m.Attributes[k] = v
	}
	for _, k := range p.RemoveAttributes {
		delete(m.Attributes, k)
	}
	if _, err := s.apply(ctx, Batch{Upserts: []ElementMapping{m}}, EventMappingUpdate); err != nil {
		return ElementMapping{}, err
	}
	return s.GetByID(id)
}

// Flush persists state left dirty by an earlier failed write.
func (s *Store) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	dirty := s.dirty
	doc := s.data.clone()
	s.mu.RUnlock()
	if !dirty {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.persist(doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = false
	s.exists = true
	s.mu.Unlock()
	return nil
}

// Dirty reports whether in-memory state has not been written.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

func (s *Store) apply(ctx context.Context, b Batch, evType EventType) (SaveResult, error) {
	var res SaveResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := validateBatch(&b); err != nil {
		return res, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	next := s.data.clone()
	index := make(map[string]string, len(s.index))
	for id, p := range s.index {
		index[id] = p
	}
	wasDirty, exists := s.dirty, s.exists
	s.mu.RUnlock()

	now := s.now()
	m := &merger{files: next.Files, index: index, now: now, touched: make(map[string]bool)}
	for _, p := range b.RemoveFiles {
		m.removeFile(NormalizePath(p), &res)
	}
	for _, id := range b.RemoveIDs {
		m.removeID(id, &res)
	}
	replacePaths := make([]string, 0, len(b.ReplaceFiles))
	for p := range b.ReplaceFiles {
		replacePaths = append(replacePaths, p)
	}
	sort.Strings(replacePaths)
	for _, p := range replacePaths {
		m.replace(NormalizePath(p), b.ReplaceFiles[p], &res)
	}
	for _, em := range b.Upserts {
		m.upsert(em, &res)
	}
	m.finish()

	if !res.changed() && !wasDirty && exists {
		return res, nil
	}

	next.Version = FormatVersion
	next.Generated = now
	if s.opts.Config != (GenerationConfig{}) {
		next.Config = s.opts.Config
	}
	next.Stats = computeStats(next.Files, now)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	persistErr := s.persist(next)

	s.mu.Lock()
	s.data = next
	s.index = index
	s.dirty = persistErr != nil
	if persistErr == nil {
		s.exists = true
	}
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error(ctx, persistErr, "Failed to persist mappings, state kept for retry", "path", s.opts.Path)
		return res, persistErr
	}
	res.Persisted = true

	if res.changed() {
		s.notify(Event{
			ID:        uuid.NewString(),
			Type:      evType,
			Files:     m.touchedPaths(),
			IDs:       m.ids,
			Result:    res,
			Timestamp: now,
		})
	}
	s.logger.Debug(ctx, "Saved mappings", "path", s.opts.Path,
		"added", res.Added, "updated", res.Updated, "moved", res.Moved, "removed", res.Removed)
	return res, nil
}

func validateBatch(b *Batch) error {
	check := func(m *ElementMapping) error {
		m.FilePath = NormalizePath(m.FilePath)
		if err := m.Validate(); err != nil {
			return errors.NewValidationError(errors.ErrCodeValidationFailed,
				fmt.Sprintf("invalid mapping %q: %v", m.ID, err)).WithFile(m.FilePath)
		}
		return nil
	}
	for i := range b.Upserts {
		if err := check(&b.Upserts[i]); err != nil {
			return err
		}
	}
	for p, list := range b.ReplaceFiles {
		key := NormalizePath(p)
		for i := range list {
			if list[i].FilePath == "" {
				list[i].FilePath = key
			}
			if NormalizePath(list[i].FilePath) != key {
				return errors.NewValidationError(errors.ErrCodeValidationFailed,
					fmt.Sprintf("mapping %q belongs to %q, not %q", list[i].ID, list[i].FilePath, key))
			}
			if err := check(&list[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// persist writes doc to a temp file in the target directory and renames
// it into place, after backing up the previous file.
func (s *Store) persist(doc *MappingFile) error {
	data, err := s.codec.Encode(doc)
	if err != nil {
		return errors.NewStoreError(errors.ErrCodeStoreSave, "encode mappings", err)
	}

	dir := filepath.Dir(s.opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewStoreError(errors.ErrCodeStoreSave, "create mapping directory", err).WithFile(s.opts.Path)
	}
	if s.opts.Backup {
		if err := s.backup(s.now()); err != nil {
			return errors.NewStoreError(errors.ErrCodeStoreSave, "backup mapping file", err).WithFile(s.opts.Path)
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.opts.Path)+".*.tmp")
	if err != nil {
		return errors.NewStoreError(errors.ErrCodeStoreSave, "create temp file", err).WithFile(s.opts.Path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.NewStoreError(errors.ErrCodeStoreSave, "write temp file", err).WithFile(s.opts.Path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.NewStoreError(errors.ErrCodeStoreSave, "sync temp file", err).WithFile(s.opts.Path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.NewStoreError(errors.ErrCodeStoreSave, "close temp file", err).WithFile(s.opts.Path)
	}
	if err := os.Rename(tmpName, s.opts.Path); err != nil {
		cleanup()
		return errors.NewStoreError(errors.ErrCodeStoreSave, "rename temp file", err).WithFile(s.opts.Path)
	}
	return nil
}

// GetByFile returns the mappings of path ordered by position.
func (s *Store) GetByFile(path string) []ElementMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.data.Files[NormalizePath(path)]
	out := make([]ElementMapping, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}

// GetByID returns the mapping with the given ID.
func (s *Store) GetByID(id string) (ElementMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.index[id]
	if !ok {
		return ElementMapping{}, errors.ErrMappingNotFound(id)
	}
	for _, m := range s.data.Files[p] {
		if m.ID == id {
			return m.clone(), nil
		}
	}
	return ElementMapping{}, errors.ErrMappingNotFound(id)
}

// Query returns the mappings matching f.
func (s *Store) Query(f Filter) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.data.Files, f)
}

// Files returns the recorded file paths, sorted.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.data.Files))
	for p := range s.data.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Stats returns the current aggregate counts.
func (s *Store) Stats() Stats {
	return s.Snapshot().Stats
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() *MappingFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.clone()
}

// Watch returns a channel receiving store events. Slow watchers miss
// events rather than block the store.
func (s *Store) Watch() <-chan Event {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	ch := make(chan Event, 100)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Unwatch removes and closes a watcher channel.
func (s *Store) Unwatch(ch <-chan Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for i, w := range s.watchers {
		if w == ch {
			close(w)
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			break
		}
	}
}

func (s *Store) notify(ev Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, w := range s.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

// merger applies batch operations to a files map and its ID index.
type merger struct {
	files   map[string][]ElementMapping
	index   map[string]string
	now     time.Time
	touched map[string]bool
	ids     []string
}

func (m *merger) find(path, id string) (int, bool) {
	for i, em := range m.files[path] {
		if em.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (m *merger) drop(path string, i int) ElementMapping {
	list := m.files[path]
	old := list[i]
	m.files[path] = append(list[:i:i], list[i+1:]...)
	m.touched[path] = true
	return old
}

func (m *merger) removeFile(path string, res *SaveResult) {
	for _, em := range m.files[path] {
		delete(m.index, em.ID)
		m.ids = append(m.ids, em.ID)
		res.Removed++
	}
	if _, ok := m.files[path]; ok {
		m.touched[path] = true
	}
	delete(m.files, path)
}

func (m *merger) removeID(id string, res *SaveResult) {
	p, ok := m.index[id]
	if !ok {
		return
	}
	if i, ok := m.find(p, id); ok {
		m.drop(p, i)
		res.Removed++
		m.ids = append(m.ids, id)
	}
	delete(m.index, id)
}

func (m *merger) replace(path string, list []ElementMapping, res *SaveResult) {
	keep := make(map[string]bool, len(list))
	for _, em := range list {
		keep[em.ID] = true
	}
	for i := len(m.files[path]) - 1; i >= 0; i-- {
		em := m.files[path][i]
		if keep[em.ID] {
			continue
		}
		m.drop(path, i)
		delete(m.index, em.ID)
		m.ids = append(m.ids, em.ID)
		res.Removed++
	}
	m.touched[path] = true
	for _, em := range list {
		em.FilePath = path
		m.upsert(em, res)
	}
}

func (m *merger) upsert(em ElementMapping, res *SaveResult) {
	em = em.clone()
	em.FilePath = NormalizePath(em.FilePath)
	target := em.FilePath

	if oldPath, ok := m.index[em.ID]; ok {
		if i, found := m.find(oldPath, em.ID); found {
			old := m.files[oldPath][i]
			if !old.CreatedAt.IsZero() {
				em.CreatedAt = old.CreatedAt
			}
			if oldPath == target {
				if old.SameContent(em) {
					res.Unchanged++
					return
				}
				em.UpdatedAt = m.now
				m.files[target][i] = em
				m.touched[target] = true
				m.ids = append(m.ids, em.ID)
				res.Updated++
				return
			}
			m.drop(oldPath, i)
			em.UpdatedAt = m.now
			m.files[target] = append(m.files[target], em)
			m.index[em.ID] = target
			m.touched[target] = true
			m.ids = append(m.ids, em.ID)
			res.Moved++
			return
		}
	}

	if em.CreatedAt.IsZero() {
		em.CreatedAt = m.now
	}
	em.UpdatedAt = m.now
	m.files[target] = append(m.files[target], em)
	m.index[em.ID] = target
	m.touched[target] = true
	m.ids = append(m.ids, em.ID)
	res.Added++
}

func (m *merger) finish() {
	for p := range m.touched {
		if len(m.files[p]) == 0 {
			delete(m.files, p)
			continue
		}
		sortBucket(m.files[p])
	}
}

func (m *merger) touchedPaths() []string {
	out := make([]string, 0, len(m.touched))
	for p := range m.touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
