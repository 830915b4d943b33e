package models

import "time"

// Job is the persisted state of a job coordinator, one per submitted job
type Job struct {
	ID                 string       `json:"id"`
	InputURL           string       `json:"inputUrl"`
	State              JobState     `json:"state"`
	SubmittedAt        time.Time    `json:"submittedAt"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty"`
	Attempts           []AttemptRef `json:"attempts"`
	Result             *JobResult   `json:"result,omitempty"`
	LastFailedInstance string       `json:"lastFailedInstance,omitempty"`
}

// AttemptRef records one instance tried for a job. Entries are only ever appended.
type AttemptRef struct {
	InstanceID string       `json:"instanceId"`
	TrackerID  string       `json:"trackerId"`
	StartedAt  time.Time    `json:"startedAt"`
	Outcome    AttemptState `json:"outcome,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// JobResult is set once a job succeeds
type JobResult struct {
	InstanceID string     `json:"instanceId"`
	Artifacts  []Artifact `json:"artifacts"`
}

// ArtifactRef is an output declared by the backend at submission time
type ArtifactRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// StorageRef locates a finished artifact in backend storage
type StorageRef struct {
	Account   string `json:"account,omitempty"`
	Container string `json:"container"`
	URL       string `json:"url,omitempty"`
}

// Artifact is a finished output together with its storage location
type Artifact struct {
	ID       string     `json:"id"`
	Location StorageRef `json:"location"`
}

// Attempt returns the attempt started with trackerID, or nil
func (j *Job) Attempt(trackerID string) *AttemptRef {
	for i := range j.Attempts {
		if j.Attempts[i].TrackerID == trackerID {
			return &j.Attempts[i]
		}
	}
	return nil
}

// Tried reports whether instanceID has been attempted for this job
func (j *Job) Tried(instanceID string) bool {
	for _, a := range j.Attempts {
		if a.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// TrackerIDs lists the trackers of every attempt in start order
func (j *Job) TrackerIDs() []string {
	ids := make([]string, 0, len(j.Attempts))
	for _, a := range j.Attempts {
		ids = append(ids, a.TrackerID)
	}
	return ids
}
