package groups

import "time"

type FileRecord struct {
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	TimeStep *int      `json:"time_step,omitempty"`
}

func (r FileRecord) HasTimeStep() bool {
	return r.TimeStep != nil
}

type FileGroup struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Directory    string       `json:"directory"`
	Pattern      string       `json:"pattern"`
	IsTimeSeries bool         `json:"is_time_series"`
	Files        []FileRecord `json:"files"`
	TimeSteps    []int        `json:"time_steps"`
	FileCount    int          `json:"file_count"`
}

// FilesForStep returns the members with the given time step, or every
// member when step is nil.
func (g FileGroup) FilesForStep(step *int) []FileRecord {
	if step == nil {
		return append([]FileRecord(nil), g.Files...)
	}
	var files []FileRecord
	for _, file := range g.Files {
		if file.HasTimeStep() && *file.TimeStep == *step {
			files = append(files, file)
		}
	}
	return files
}

type EventType string

const (
	EventGroupCreated EventType = "GROUP_CREATED"
	EventGroupUpdated EventType = "GROUP_UPDATED"
	EventFileCreated  EventType = "FILE_CREATED"
	EventFileModified EventType = "FILE_MODIFIED"
)

type Event struct {
	Type      EventType   `json:"type"`
	GroupID   string      `json:"group_id"`
	GroupName string      `json:"group_name"`
	Group     *FileGroup  `json:"group,omitempty"`
	File      *FileRecord `json:"file,omitempty"`
}
