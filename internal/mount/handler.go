package mount

import "github.com/openjobspec/ojs-tape-scheduler/internal/core"

// JobHandler applies the kind-specific effect of a job outcome to a mount
// and the job before the job is routed onwards.
type JobHandler interface {
	OnJobComplete(m *Mount, job *core.Job)
	OnJobFailed(m *Mount, job *core.Job, err error)
}

// Handler returns the JobHandler for m's kind.
func (m *Mount) Handler() JobHandler {
	if m.Kind == core.DirectionArchive {
		return archivalHandler{}
	}
	return retrievalHandler{}
}

type archivalHandler struct{}

func (archivalHandler) OnJobComplete(m *Mount, job *core.Job) {
	m.Archival.LastFSeq++
	m.Counters.FilesTransferred++
	m.Counters.BytesTransferred += job.Size
	if job.Archive != nil {
		job.Archive.TapeVID = m.VID
		job.Archive.TapeFSeq = m.Archival.LastFSeq
	}
}

func (archivalHandler) OnJobFailed(m *Mount, job *core.Job, err error) {
	m.Counters.FilesFailed++
}

type retrievalHandler struct{}

func (retrievalHandler) OnJobComplete(m *Mount, job *core.Job) {
	m.Counters.FilesTransferred++
	m.Counters.BytesTransferred += job.Size
	if job.Retrieve != nil {
		m.Retrieval.LastFSeqRead = job.Retrieve.FSeq
	}
}

func (retrievalHandler) OnJobFailed(m *Mount, job *core.Job, err error) {
	m.Counters.FilesFailed++
}
