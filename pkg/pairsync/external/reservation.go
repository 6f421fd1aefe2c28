package external

import "sync"

// ReservationManager grants shared read and exclusive write reservations on
// external objects. A single manager may be shared by every endpoint in a
// process.
type ReservationManager struct {
	mu      sync.Mutex
	readers map[ID]int
	writers map[ID]bool
}

// NewReservationManager creates a manager with no reservations.
func NewReservationManager() *ReservationManager {
	return &ReservationManager{
		readers: make(map[ID]int),
		writers: make(map[ID]bool),
	}
}

// Acquire reserves reads and writes atomically. It returns false without
// reserving anything if any read conflicts with a held write, or any write
// conflicts with a held read or write. An ID in both lists is reserved for
// writing only.
func (r *ReservationManager) Acquire(reads, writes []ID) bool {
	reads, writes = normalize(reads, writes)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range reads {
		if r.writers[id] {
			return false
		}
	}
	for _, id := range writes {
		if r.writers[id] || r.readers[id] > 0 {
			return false
		}
	}
	for _, id := range reads {
		r.readers[id]++
	}
	for _, id := range writes {
		r.writers[id] = true
	}
	return true
}

// Release commits each object in committed, then drops the reservations
// previously granted for reads and writes.
func (r *ReservationManager) Release(reads, writes []ID, committed []Object) {
	for _, obj := range committed {
		obj.Commit()
	}
	reads, writes = normalize(reads, writes)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range reads {
		if r.readers[id] <= 1 {
			delete(r.readers, id)
		} else {
			r.readers[id]--
		}
	}
	for _, id := range writes {
		delete(r.writers, id)
	}
}

// Held reports the current reservation state of id.
func (r *ReservationManager) Held(id ID) (readers int, writer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readers[id], r.writers[id]
}

func normalize(reads, writes []ID) ([]ID, []ID) {
	w := make(map[ID]bool, len(writes))
	outW := make([]ID, 0, len(writes))
	for _, id := range writes {
		if !w[id] {
			w[id] = true
			outW = append(outW, id)
		}
	}
	seen := make(map[ID]bool, len(reads))
	outR := make([]ID, 0, len(reads))
	for _, id := range reads {
		if !w[id] && !seen[id] {
			seen[id] = true
			outR = append(outR, id)
		}
	}
	return outR, outW
}
