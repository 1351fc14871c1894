package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

type fileDoc struct {
	Pools  []poolDoc           `yaml:"pools"`
	Users  map[string][]string `yaml:"users"`
	Drives []driveDoc          `yaml:"drives"`
}

type poolDoc struct {
	Name           string       `yaml:"name"`
	LogicalLibrary string       `yaml:"logicalLibrary"`
	Priority       int          `yaml:"priority"`
	Criteria       criteriaDocs `yaml:"criteria"`
	Tapes          []tapeDoc    `yaml:"tapes"`
}

type criteriaDocs struct {
	Archive  criteriaDoc `yaml:"archive"`
	Retrieve criteriaDoc `yaml:"retrieve"`
}

type criteriaDoc struct {
	MaxFilesQueued uint64 `yaml:"maxFilesQueued"`
	MaxBytesQueued uint64 `yaml:"maxBytesQueued"`
	MaxAge         age    `yaml:"maxAge"`
	Quota          uint16 `yaml:"quota"`
}

type tapeDoc struct {
	VID      string `yaml:"vid"`
	Full     bool   `yaml:"full"`
	Disabled bool   `yaml:"disabled"`
	LastFSeq uint64 `yaml:"lastFSeq"`
}

type driveDoc struct {
	Name           string `yaml:"name"`
	LogicalLibrary string `yaml:"logicalLibrary"`
	Host           string `yaml:"host"`
	Ordinal        uint16 `yaml:"ordinal"`
}

// age accepts either whole seconds or an ISO 8601 duration such as PT5M.
type age uint64

func (a *age) UnmarshalYAML(node *yaml.Node) error {
	var secs uint64
	if err := node.Decode(&secs); err == nil {
		*a = age(secs)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	d, err := core.ParseISO8601Duration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = age(d.Seconds())
	return nil
}

func (c criteriaDoc) criteria() core.MountCriteria {
	return core.MountCriteria{
		MaxFilesQueued: c.MaxFilesQueued,
		MaxBytesQueued: c.MaxBytesQueued,
		MaxAge:         uint64(c.MaxAge),
		Quota:          c.Quota,
	}
}

// File is a catalogue loaded from a YAML document. Completed transfers are
// appended as JSON lines to an optional report file.
type File struct {
	path       string
	reportPath string
	log        *slog.Logger

	mu     sync.RWMutex
	pools  map[string]Pool
	tapes  map[string][]Tape
	users  map[string]map[string]bool
	drives []DriveConfig
	report *os.File
}

// LoadFile reads the catalogue at path.
func LoadFile(path, reportPath string) (*File, error) {
	f := &File{path: path, reportPath: reportPath, log: slog.Default()}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	if reportPath != "" {
		rf, err := os.OpenFile(reportPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open report file: %w", err)
		}
		f.report = rf
	}
	return f, nil
}

// Parse builds a catalogue from YAML without touching the filesystem.
func Parse(data []byte) (*File, error) {
	f := &File{log: slog.Default()}
	if err := f.load(data); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the YAML document. Tape positions recorded since the last
// load are kept when the document lags behind them.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}
	return f.load(data)
}

func (f *File) load(data []byte) error {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}

	pools := make(map[string]Pool, len(doc.Pools))
	tapes := make(map[string][]Tape, len(doc.Pools))
	for _, p := range doc.Pools {
		if !core.IsValidName(p.Name) {
			return fmt.Errorf("invalid pool name %q", p.Name)
		}
		if _, dup := pools[p.Name]; dup {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		pools[p.Name] = Pool{
			Name:           p.Name,
			LogicalLibrary: p.LogicalLibrary,
			Priority:       p.Priority,
			Criteria: core.MountCriteriaByDirection{
				Archive:  p.Criteria.Archive.criteria(),
				Retrieve: p.Criteria.Retrieve.criteria(),
			},
		}
		for _, t := range p.Tapes {
			if !core.IsValidVID(t.VID) {
				return fmt.Errorf("pool %s: invalid vid %q", p.Name, t.VID)
			}
			tapes[p.Name] = append(tapes[p.Name], Tape{
				VID:            t.VID,
				Pool:           p.Name,
				LogicalLibrary: p.LogicalLibrary,
				Full:           t.Full,
				Disabled:       t.Disabled,
				LastFSeq:       t.LastFSeq,
			})
		}
	}

	users := make(map[string]map[string]bool, len(doc.Users))
	for user, allowed := range doc.Users {
		users[user] = make(map[string]bool, len(allowed))
		for _, p := range allowed {
			users[user][p] = true
		}
	}

	drives := make([]DriveConfig, 0, len(doc.Drives))
	for _, d := range doc.Drives {
		drives = append(drives, DriveConfig(d))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for pool, ts := range tapes {
		for i := range ts {
			if prev, ok := f.findTapeLocked(pool, ts[i].VID); ok && prev.LastFSeq > ts[i].LastFSeq {
				ts[i].LastFSeq = prev.LastFSeq
			}
		}
	}
	f.pools, f.tapes, f.users, f.drives = pools, tapes, users, drives
	return nil
}

func (f *File) findTapeLocked(pool, vid string) (Tape, bool) {
	for _, t := range f.tapes[pool] {
		if t.VID == vid {
			return t, true
		}
	}
	return Tape{}, false
}

// Pools returns every pool, highest priority first.
func (f *File) Pools(ctx context.Context) ([]Pool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Pool, 0, len(f.pools))
	for _, p := range f.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (f *File) Pool(ctx context.Context, name string) (Pool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pools[name]
	if !ok {
		return Pool{}, core.NewNotFoundError("pool", name)
	}
	return p, nil
}

func (f *File) Tapes(ctx context.Context, pool string) ([]Tape, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.pools[pool]; !ok {
		return nil, core.NewNotFoundError("pool", pool)
	}
	return append([]Tape(nil), f.tapes[pool]...), nil
}

func (f *File) Drives(ctx context.Context) ([]DriveConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]DriveConfig(nil), f.drives...), nil
}

// Authorize allows everyone when no users are declared.
func (f *File) Authorize(ctx context.Context, user, pool string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.pools[pool]; !ok {
		return core.NewNotFoundError("pool", pool)
	}
	if len(f.users) == 0 {
		return nil
	}
	if !f.users[user][pool] && !f.users[user]["*"] {
		return core.NewUnauthorizedError(user, pool)
	}
	return nil
}

type completionRecord struct {
	JobID     string         `json:"job_id"`
	Direction core.Direction `json:"direction"`
	Pool      string         `json:"pool"`
	Size      uint64         `json:"size"`
	VID       string         `json:"vid,omitempty"`
	FSeq      uint64         `json:"fseq,omitempty"`
	SrcURL    string         `json:"src_url,omitempty"`
	DstURL    string         `json:"dst_url,omitempty"`
}

// RecordCompleted advances the tape position of archived files and appends
// the completion to the report file.
func (f *File) RecordCompleted(ctx context.Context, job *core.Job) error {
	rec := completionRecord{JobID: job.ID, Direction: job.Direction, Pool: job.Pool, Size: job.Size}
	switch {
	case job.Archive != nil:
		rec.VID, rec.FSeq, rec.SrcURL = job.Archive.TapeVID, job.Archive.TapeFSeq, job.Archive.SrcURL
	case job.Retrieve != nil:
		rec.VID, rec.FSeq, rec.DstURL = job.Retrieve.VID, job.Retrieve.FSeq, job.Retrieve.DstURL
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if job.Direction == core.DirectionArchive && rec.VID != "" {
		ts := f.tapes[job.Pool]
		for i := range ts {
			if ts[i].VID == rec.VID && ts[i].LastFSeq < rec.FSeq {
				ts[i].LastFSeq = rec.FSeq
			}
		}
	}
	if f.report == nil {
		f.log.Debug("transfer recorded", "job_id", job.ID, "vid", rec.VID, "fseq", rec.FSeq)
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.report.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// Close releases the report file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report == nil {
		return nil
	}
	err := f.report.Close()
	f.report = nil
	return err
}
