// Package groups clusters numbered simulation output files into logical
// groups, typically one time series per output stream.
package groups

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"resultd/internal/logging"
)

var DefaultExtensions = []string{".vtu", ".pvtu", ".vtk", ".gltf", ".glb"}

var timeStepSuffix = regexp.MustCompile(`(?i)^(.*?)([_.]?)(t)(\d+)$`)

type Options struct {
	Extensions []string
	Logger     *logging.Logger
}

type Detector struct {
	extensions map[string]struct{}
	logger     *logging.Logger

	mu    sync.RWMutex
	index map[string]FileGroup
}

func NewDetector(opts Options) *Detector {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Detector{
		extensions: set,
		logger:     logger.Component("groups"),
		index:      make(map[string]FileGroup),
	}
}

// IsOutputFile reports whether name carries one of the configured extensions.
func (d *Detector) IsOutputFile(name string) bool {
	_, ok := d.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Scan walks root and returns its groups sorted by name then directory.
// A missing root yields no groups.
func (d *Detector) Scan(root string) ([]FileGroup, error) {
	return d.scan(root, true)
}

// ScanDir groups the output files directly inside dir.
func (d *Detector) ScanDir(dir string) ([]FileGroup, error) {
	return d.scan(dir, false)
}

// Group returns the group with id from the most recent scan that saw it.
func (d *Detector) Group(id string) (FileGroup, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	group, ok := d.index[id]
	return group, ok
}

func (d *Detector) scan(root string, recursive bool) ([]FileGroup, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		d.replace(abs, recursive, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory", abs)
	}

	buckets := make(map[string][]FileRecord)
	bases := make(map[string]string)
	err = filepath.WalkDir(abs, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == abs {
				return walkErr
			}
			d.logger.Debug("scan skipped entry", map[string]string{"path": path, "error": walkErr.Error()})
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if !recursive && path != abs {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !d.IsOutputFile(entry.Name()) {
			return nil
		}
		record, base, ok := d.record(path, entry)
		if !ok {
			return nil
		}
		key := groupKey(filepath.Dir(path), base)
		buckets[key] = append(buckets[key], record)
		if _, seen := bases[key]; !seen {
			bases[key] = filepath.Dir(path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}

	groups := make([]FileGroup, 0, len(buckets))
	for key, files := range buckets {
		groups = append(groups, buildGroup(key, bases[key], files))
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].Directory < groups[j].Directory
	})

	d.replace(abs, recursive, groups)
	return groups, nil
}

// replace makes a scan authoritative for its scope: groups under root that
// the scan no longer found are forgotten.
func (d *Detector) replace(root string, recursive bool, groups []FileGroup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, group := range d.index {
		if inScope(root, group.Directory, recursive) {
			delete(d.index, id)
		}
	}
	for _, group := range groups {
		d.index[group.ID] = group
	}
}

func inScope(root, dir string, recursive bool) bool {
	if dir == root {
		return true
	}
	if !recursive {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (d *Detector) record(path string, entry fs.DirEntry) (FileRecord, string, bool) {
	info, err := entry.Info()
	if err != nil {
		return FileRecord{}, "", false
	}
	base, step := splitName(entry.Name())
	return FileRecord{
		Filename: entry.Name(),
		Path:     path,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		TimeStep: step,
	}, base, true
}

// splitName strips the extension and any trailing time-step suffix. A name
// that would reduce to nothing keeps its stem and carries no time step.
func splitName(filename string) (string, *int) {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	match := timeStepSuffix.FindStringSubmatch(stem)
	if match == nil || match[1] == "" {
		return stem, nil
	}
	step, err := strconv.Atoi(match[4])
	if err != nil {
		return stem, nil
	}
	return match[1], &step
}

func groupKey(dir, base string) string {
	return dir + "::" + strings.ToLower(base)
}

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:12])
}

func buildGroup(key, dir string, files []FileRecord) FileGroup {
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	first := files[0]
	name, _ := splitName(first.Filename)

	timeSeries := true
	stepSet := make(map[int]struct{})
	for _, file := range files {
		if !file.HasTimeStep() {
			timeSeries = false
			continue
		}
		stepSet[*file.TimeStep] = struct{}{}
	}
	steps := make([]int, 0, len(stepSet))
	for step := range stepSet {
		steps = append(steps, step)
	}
	sort.Ints(steps)

	if timeSeries {
		sort.SliceStable(files, func(i, j int) bool {
			if *files[i].TimeStep != *files[j].TimeStep {
				return *files[i].TimeStep < *files[j].TimeStep
			}
			return files[i].Filename < files[j].Filename
		})
	}

	return FileGroup{
		ID:           hashKey(key),
		Name:         name,
		Directory:    dir,
		Pattern:      displayPattern(first.Filename, timeSeries),
		IsTimeSeries: timeSeries,
		Files:        files,
		TimeSteps:    steps,
		FileCount:    len(files),
	}
}

// displayPattern replaces the time-step digits of filename with '*'.
func displayPattern(filename string, timeSeries bool) string {
	if !timeSeries {
		return filename
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	match := timeStepSuffix.FindStringSubmatch(stem)
	if match == nil {
		return filename
	}
	return match[1] + match[2] + match[3] + "*" + ext
}
