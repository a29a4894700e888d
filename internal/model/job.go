package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a CaptureJob.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the job state machine:
//
//	starting -> running -> {completed, failed, cancelled}
//	starting -> failed
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusStarting:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// CaptureJob is one run of the capture command against a single collection.
type CaptureJob struct {
	ID             string     `json:"id"`
	CollectionID   int64      `json:"collectionId"`
	CollectionName string     `json:"collectionName"`
	Status         Status     `json:"status"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Progress       *int       `json:"progress,omitempty"`
	Error          string     `json:"error,omitempty"`
	OutputPath     string     `json:"outputPath"`
}

// NewCaptureJob mints a job in starting status. outputPath must be computed
// by the caller, see OutputPath.
func NewCaptureJob(collectionID int64, collectionName, outputPath string, now time.Time) CaptureJob {
	return CaptureJob{
		ID:             NewJobID(),
		CollectionID:   collectionID,
		CollectionName: collectionName,
		Status:         StatusStarting,
		StartTime:      now,
		OutputPath:     outputPath,
	}
}

func NewJobID() string {
	return "capture_" + uuid.NewString()
}

// Clone returns a deep copy, so snapshots never share pointers with the
// registry owned instance.
func (j CaptureJob) Clone() CaptureJob {
	if j.EndTime != nil {
		t := *j.EndTime
		j.EndTime = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		j.Progress = &p
	}
	return j
}

// Transition moves the job to the given status. Terminal states set EndTime
// exactly once and record the failure detail.
func (j *CaptureJob) Transition(to Status, now time.Time, detail string) error {
	if !j.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	if to.Terminal() {
		end := now
		j.EndTime = &end
		if to != StatusCompleted {
			j.Error = detail
		}
	}
	return nil
}

// SetProgress stores p and reports whether the stored value changed.
func (j *CaptureJob) SetProgress(p int) bool {
	if j.Progress != nil && *j.Progress == p {
		return false
	}
	j.Progress = &p
	return true
}

func (j CaptureJob) ProgressValue() int {
	if j.Progress == nil {
		return 0
	}
	return *j.Progress
}

var spaceRx = regexp.MustCompile(`\s+`)

// Slug turns a collection name into a directory name: whitespace runs become
// a single dash and the result is lower-cased.
func Slug(name string) string {
	return strings.ToLower(spaceRx.ReplaceAllString(name, "-"))
}

// OutputPath returns <root>/<slug>/capture_<timestamp>.<ext> where colons and
// dots of the timestamp are replaced by dashes.
func OutputPath(root, collectionName, ext string, now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	ext = strings.TrimPrefix(ext, ".")
	return filepath.Join(root, Slug(collectionName), "capture_"+ts+"."+ext)
}

// LogLevel classifies a JobLog line. Stdout lines are info, stderr lines
// are errors.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogError LogLevel = "error"
)

// JobLog is one line of capture output or a lifecycle note, persisted next
// to its job and deleted together with it.
type JobLog struct {
	JobID   string    `json:"jobId"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
