package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/mutator"
	"github.com/conneroisu/eltag/internal/types"
)

// Mode selects what the pipeline does to a file.
type Mode string

const (
	// ModeTag reuses existing identifiers and adds missing ones.
	ModeTag Mode = "tag"
	// ModeRetag reuses mapped identifiers but overwrites every attribute.
	ModeRetag Mode = "retag"
	// ModeStrip removes the attribute and drops the file's mappings.
	ModeStrip Mode = "strip"
)

// Modes lists the accepted modes.
var Modes = []Mode{ModeTag, ModeRetag, ModeStrip}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == strings.ToLower(strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (want tag, retag or strip)", s)
}

// String implements pflag.Value.
func (m *Mode) String() string { return string(*m) }

// Set implements pflag.Value.
func (m *Mode) Set(s string) error {
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Type implements pflag.Value.
func (m *Mode) Type() string { return "mode" }

// State is a step of the per-file state machine.
type State string

const (
	StateParsed    State = "parsed"
	StateDetected  State = "detected"
	StateTagged    State = "tagged"
	StateStripped  State = "stripped"
	StateUnchanged State = "unchanged"
	StateRecorded  State = "recorded"
	StateFailed    State = "failed"
)

// FileResult is the outcome of processing one file.
type FileResult struct {
	Path       string                    `json:"path"`
	OutputPath string                    `json:"outputPath,omitempty"`
	Mode       Mode                      `json:"mode"`
	State      State                     `json:"state"`
	States     []State                   `json:"states"`
	Elements   int                       `json:"elements"`
	ByKind     map[types.ElementKind]int `json:"byKind,omitempty"`
	Changes    []mutator.Change          `json:"changes,omitempty"`
	Failures   []mutator.Failure         `json:"-"`
	Mappings   []mapping.ElementMapping  `json:"-"`
	Modified   bool                      `json:"modified"`
	Written    bool                      `json:"written"`
	CacheHit   bool                      `json:"cacheHit"`
	Duration   time.Duration             `json:"duration"`
	Err        error                     `json:"-"`
	Error      string                    `json:"error,omitempty"`
	ErrorType  errors.ErrorType          `json:"errorType,omitempty"`

	// key is the mapping bucket the result is recorded under.
	key        string
	skipCommit bool
}

func (r *FileResult) advance(s State) {
	r.State = s
	r.States = append(r.States, s)
}

func (r *FileResult) fail(err error) *FileResult {
	r.Err = err
	r.Error = err.Error()
	r.ErrorType = errors.TypeOf(err)
	r.advance(StateFailed)
	return r
}

// Counts returns the number of changes per type.
func (r *FileResult) Counts() (added, updated, removed int) {
	for _, c := range r.Changes {
		switch c.Type {
		case mutator.ChangeAdd:
			added++
		case mutator.ChangeUpdate:
			updated++
		case mutator.ChangeRemove:
			removed++
		}
	}
	return added, updated, removed
}

// ProjectStats aggregates a project run.
type ProjectStats struct {
	FilesScanned   int                       `json:"filesScanned"`
	FilesModified  int                       `json:"filesModified"`
	FilesUnchanged int                       `json:"filesUnchanged"`
	FilesFailed    int                       `json:"filesFailed"`
	// FilesFatal counts failures that are not recoverable, such as writes.
	FilesFatal     int                       `json:"filesFatal"`
	FilesSkipped   int                       `json:"filesSkipped"`
	Elements       int                       `json:"elements"`
	ByKind         map[types.ElementKind]int `json:"byKind"`
	Added          int                       `json:"added"`
	Updated        int                       `json:"updated"`
	Removed        int                       `json:"removed"`
	ElementErrors  int                       `json:"elementErrors"`
}

func (s *ProjectStats) add(r *FileResult) {
	s.FilesScanned++
	if r.Err != nil {
		s.FilesFailed++
		if !errors.IsRecoverable(r.Err) {
			s.FilesFatal++
		}
		return
	}
	if r.Modified {
		s.FilesModified++
	} else {
		s.FilesUnchanged++
	}
	s.Elements += r.Elements
	for k, n := range r.ByKind {
		s.ByKind[k] += n
	}
	a, u, rm := r.Counts()
	s.Added += a
	s.Updated += u
	s.Removed += rm
	s.ElementErrors += len(r.Failures)
}

// ProjectResult is the outcome of a project run.
type ProjectResult struct {
	RunID    string             `json:"runId"`
	Root     string             `json:"root"`
	Mode     Mode               `json:"mode"`
	DryRun   bool               `json:"dryRun"`
	Files    []*FileResult      `json:"files"`
	Errors   []error            `json:"-"`
	Stats    ProjectStats       `json:"stats"`
	Store    mapping.SaveResult `json:"store"`
	Canceled bool               `json:"canceled"`
	Duration time.Duration      `json:"duration"`
}
