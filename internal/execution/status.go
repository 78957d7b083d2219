package execution

import (
	"context"
	"sort"
	"time"

	"pds/internal/domain"

	"github.com/google/uuid"
)

// Task states shown by the monitoring view.
const (
	EntryWaiting  = "WAITING"
	EntryRunning  = "RUNNING"
	EntryDone     = "DONE"
	EntryCanceled = "CANCELED"
)

// StatusEntry describes one tracked job.
type StatusEntry struct {
	JobUUID   uuid.UUID        `json:"jobUUID"`
	ProductID string           `json:"productId"`
	State     string           `json:"state"`
	JobStatus domain.JobStatus `json:"jobStatus,omitempty"`
	Admitted  time.Time        `json:"admitted"`
}

// Status is a point in time view of the execution queue.
type Status struct {
	QueueMax    int           `json:"queueMax"`
	JobsInQueue int           `json:"jobsInQueue"`
	Workers     int           `json:"workers"`
	Entries     []StatusEntry `json:"entries"`
}

// Status returns the tracked jobs in admission order together with their
// persisted status. Jobs missing in the repository have an empty status.
func (s *Service) Status(ctx context.Context) Status {
	type snapshot struct {
		id    uuid.UUID
		entry *queueEntry
	}
	s.mu.Lock()
	entries := make([]snapshot, 0, len(s.queue))
	for id, e := range s.queue {
		entries = append(entries, snapshot{id: id, entry: e})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].entry.seq < entries[j].entry.seq })

	st := Status{
		QueueMax:    s.cfg.QueueMax,
		JobsInQueue: len(entries),
		Workers:     s.pool.Size(),
		Entries:     make([]StatusEntry, 0, len(entries)),
	}
	for _, e := range entries {
		se := StatusEntry{
			JobUUID:   e.id,
			ProductID: e.entry.productID,
			State:     entryState(e.entry.task),
			Admitted:  e.entry.admitted,
		}
		if job, err := s.repo.Get(ctx, e.id); err == nil {
			se.JobStatus = job.Status
		} else {
			s.logger.Debug("job of queue entry not loadable", "job_uuid", e.id.String(), "error", err)
		}
		st.Entries = append(st.Entries, se)
	}
	return st
}

func entryState(t *Task) string {
	switch {
	case t.Canceled():
		return EntryCanceled
	case t.IsDone():
		return EntryDone
	case t.Started():
		return EntryRunning
	default:
		return EntryWaiting
	}
}
