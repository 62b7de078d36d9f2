package routelink

import (
	"maps"
	"slices"
)

// ParcelQueue reorders the parcels received on one end of a route, so
// they are consumed by sequence number. Once the peer closed the route,
// it also tells when every parcel was received.
//
// It is not safe for concurrent use.
type ParcelQueue struct {
	next        SequenceNumber
	parcels     map[SequenceNumber]*Parcel
	finalLength SequenceNumber
	hasFinal    bool
}

// NewParcelQueue returns a queue whose first parcel is `start`.
func NewParcelQueue(start SequenceNumber) *ParcelQueue {
	return &ParcelQueue{
		next:    start,
		parcels: make(map[SequenceNumber]*Parcel),
	}
}

// Push queues `parcel`. It is refused if it was already consumed or
// queued, or if it lies past the final length.
func (q *ParcelQueue) Push(parcel *Parcel) bool {
	seq := parcel.SequenceNumber
	if seq < q.next || (q.hasFinal && seq >= q.finalLength) {
		return false
	}
	if _, exists := q.parcels[seq]; exists {
		return false
	}
	q.parcels[seq] = parcel
	return true
}

// Pop returns the next parcel in sequence, if it was received.
func (q *ParcelQueue) Pop() (*Parcel, bool) {
	parcel, ok := q.parcels[q.next]
	if !ok {
		return nil, false
	}
	delete(q.parcels, q.next)
	q.next++
	return parcel, true
}

// SetFinalLength records that the route carries exactly `length`
// parcels. It fails if a final length was already set, or if parcels
// past `length` were already seen.
func (q *ParcelQueue) SetFinalLength(length SequenceNumber) bool {
	if q.hasFinal || length < q.next {
		return false
	}
	for seq := range q.parcels {
		if seq >= length {
			return false
		}
	}
	q.finalLength = length
	q.hasFinal = true
	return true
}

func (q *ParcelQueue) FinalLength() (SequenceNumber, bool) {
	return q.finalLength, q.hasFinal
}

// NextSequenceNumber is the sequence number `Pop` returns next.
func (q *ParcelQueue) NextSequenceNumber() SequenceNumber {
	return q.next
}

// Len counts the parcels received but not consumed yet.
func (q *ParcelQueue) Len() int {
	return len(q.parcels)
}

// IsFullyReceived is true once the final length is known and every parcel
// before it was received.
func (q *ParcelQueue) IsFullyReceived() bool {
	return q.hasFinal && SequenceNumber(len(q.parcels)) == q.finalLength-q.next
}

// IsComplete is true once every parcel of a closed route was consumed.
func (q *ParcelQueue) IsComplete() bool {
	return q.hasFinal && q.next == q.finalLength
}

// Drain removes every queued parcel, ordered by sequence number, and
// moves past the last one.
func (q *ParcelQueue) Drain() []*Parcel {
	seqs := slices.Sorted(maps.Keys(q.parcels))
	parcels := make([]*Parcel, 0, len(seqs))
	for _, seq := range seqs {
		parcels = append(parcels, q.parcels[seq])
	}
	clear(q.parcels)
	if len(seqs) > 0 {
		q.next = seqs[len(seqs)-1] + 1
	}
	return parcels
}
