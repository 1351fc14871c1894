package core

// MountCriteria are the thresholds that make a queue worth a mount, plus the
// concurrent mount quota of the pool in one direction.
type MountCriteria struct {
	MaxFilesQueued uint64 `json:"max_files_queued" yaml:"maxFilesQueued"`
	MaxBytesQueued uint64 `json:"max_bytes_queued" yaml:"maxBytesQueued"`
	// MaxAge is in seconds: a queue whose oldest job is at least this old
	// is worth a mount whatever its size.
	MaxAge         uint64 `json:"max_age" yaml:"maxAge"`
	Quota          uint16 `json:"quota" yaml:"quota"`
}

// MountCriteriaByDirection holds one set of criteria per direction.
type MountCriteriaByDirection struct {
	Archive  MountCriteria `json:"archive" yaml:"archive"`
	Retrieve MountCriteria `json:"retrieve" yaml:"retrieve"`
}

// For returns the criteria for dir.
func (m MountCriteriaByDirection) For(dir Direction) MountCriteria {
	if dir == DirectionRetrieve {
		return m.Retrieve
	}
	return m.Archive
}
