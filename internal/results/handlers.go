package results

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"resultd/internal/groups"
	"resultd/internal/watcher"
)

// fileHandler delivers matching files as payloads.
type fileHandler struct {
	sink Sink
}

func (h fileHandler) existing(ctx context.Context, sub *Subscription) error {
	var sinkErr error
	_ = filepath.WalkDir(sub.cfg.Dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if !entry.Type().IsRegular() || !sub.matcher.Match(entry.Name()) {
			return nil
		}
		if err := h.deliver(ctx, sub, path, false); err != nil {
			sinkErr = err
			return fs.SkipAll
		}
		return nil
	})
	return sinkErr
}

func (h fileHandler) handle(ctx context.Context, sub *Subscription, event watcher.Event) error {
	if !sub.matcher.Match(event.Path) {
		return nil
	}
	if !regularFile(event.Path) {
		sub.skip(event.Path, "not_regular", nil)
		return nil
	}
	return h.deliver(ctx, sub, event.Path, true)
}

func (h fileHandler) deliver(ctx context.Context, sub *Subscription, path string, dedup bool) error {
	snapshot, ok := sub.awaitReady(ctx, path, dedup)
	if !ok {
		return nil
	}
	payload, err := readPayload(path)
	if err != nil {
		sub.skip(path, "read_error", err)
		return nil
	}
	if sub.stopping() {
		return nil
	}
	if err := h.sink(ctx, payload); err != nil {
		return err
	}
	sub.markDelivered(path, snapshot, len(payload.Content))
	return nil
}

// groupHandler turns file changes into group events. Each change rescans the
// file's directory so the emitted group is rebuilt wholesale.
type groupHandler struct {
	detector *groups.Detector
	sink     GroupSink
	known    map[string]struct{}
}

func newGroupHandler(detector *groups.Detector, sink GroupSink) *groupHandler {
	return &groupHandler{detector: detector, sink: sink, known: make(map[string]struct{})}
}

func (h *groupHandler) existing(ctx context.Context, sub *Subscription) error {
	found, err := h.detector.Scan(sub.cfg.Dir)
	if err != nil {
		sub.logger.Warn("initial group scan failed", map[string]string{"dir": sub.cfg.Dir, "error": err.Error()})
		return nil
	}
	for index := range found {
		group := found[index]
		if ctx.Err() != nil || sub.stopping() {
			return nil
		}
		h.known[group.ID] = struct{}{}
		if err := h.sink(ctx, groups.Event{
			Type:      groups.EventGroupCreated,
			GroupID:   group.ID,
			GroupName: group.Name,
			Group:     &group,
		}); err != nil {
			return err
		}
		sub.delivered.Add(1)
	}
	return nil
}

func (h *groupHandler) handle(ctx context.Context, sub *Subscription, event watcher.Event) error {
	if !h.detector.IsOutputFile(event.Path) || !regularFile(event.Path) {
		return nil
	}
	snapshot, ok := sub.awaitReady(ctx, event.Path, true)
	if !ok {
		return nil
	}
	found, err := h.detector.ScanDir(filepath.Dir(event.Path))
	if err != nil {
		sub.skip(event.Path, "scan_error", err)
		return nil
	}
	group, record, ok := locate(found, event.Path)
	if !ok {
		return nil
	}
	if sub.stopping() {
		return nil
	}

	fileType := groups.EventFileModified
	if event.Kind == watcher.KindCreated {
		fileType = groups.EventFileCreated
	}
	if err := h.sink(ctx, groups.Event{
		Type:      fileType,
		GroupID:   group.ID,
		GroupName: group.Name,
		File:      &record,
	}); err != nil {
		return err
	}

	groupType := groups.EventGroupUpdated
	if _, seen := h.known[group.ID]; !seen {
		groupType = groups.EventGroupCreated
		h.known[group.ID] = struct{}{}
	}
	if err := h.sink(ctx, groups.Event{
		Type:      groupType,
		GroupID:   group.ID,
		GroupName: group.Name,
		Group:     &group,
	}); err != nil {
		return err
	}
	sub.markDelivered(event.Path, snapshot, 0)
	return nil
}

func locate(found []groups.FileGroup, path string) (groups.FileGroup, groups.FileRecord, bool) {
	for _, group := range found {
		for _, record := range group.Files {
			if record.Path == path || sameFile(record.Path, path) {
				return group, record, true
			}
		}
	}
	return groups.FileGroup{}, groups.FileRecord{}, false
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func readPayload(path string) (Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Payload{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, err
	}
	name := filepath.Base(path)
	return Payload{
		Filename: name,
		Path:     path,
		Content:  content,
		MimeType: groups.MimeType(name),
		Size:     int64(len(content)),
		ModTime:  info.ModTime(),
	}, nil
}
