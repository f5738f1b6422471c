package relay

import "sync"

const defaultHistorySize = 1024

// statusHistory remembers the final status of recently settled ids. The
// oldest entry is evicted once capacity is reached.
type statusHistory struct {
	lock     sync.Mutex
	capacity int
	order    []string
	statuses map[string]MessageStatus
}

func newStatusHistory(capacity int) *statusHistory {
	if capacity <= 0 {
		capacity = defaultHistorySize
	}
	return &statusHistory{
		capacity: capacity,
		statuses: make(map[string]MessageStatus, capacity),
	}
}

func (history *statusHistory) record(id string, status MessageStatus) {
	history.lock.Lock()
	defer history.lock.Unlock()
	if _, ok := history.statuses[id]; !ok {
		history.order = append(history.order, id)
	}
	history.statuses[id] = status
	for len(history.order) > history.capacity {
		delete(history.statuses, history.order[0])
		history.order = history.order[1:]
	}
}

func (history *statusHistory) lookup(id string) MessageStatus {
	history.lock.Lock()
	defer history.lock.Unlock()
	if status, ok := history.statuses[id]; ok {
		return status
	}
	return StatusUnknown
}
