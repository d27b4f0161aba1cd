package chat

import (
	"sync"

	"chatsync/internal/models"
)

// Log is the in-memory ordered message log of a single conversation.
// Records are append-only, kept sorted by (CreatedAt, Seq); CreatedAt is
// assigned non-decreasing, so appends always go at the tail.
type Log struct {
	ID      string
	records []models.Message

	lastSeq       int64
	lastTimestamp int64

	mux sync.RWMutex
}

func NewLog(id string) *Log {
	return &Log{ID: id}
}

// Restore seeds the log with previously persisted messages.
// The input must already be sorted by (CreatedAt, Seq).
func Restore(id string, records []models.Message) *Log {
	l := NewLog(id)
	l.records = append(l.records, records...)
	if n := len(records); n > 0 {
		l.lastSeq = records[n-1].Seq
		l.lastTimestamp = records[n-1].CreatedAt
	}
	return l
}

// Stamp fills in the next sequence number and a monotonic server timestamp
// for a record, based on the supplied wall-clock reading. It does not
// modify the log: the caller appends only after the record has been durably
// stored, so a failed store leaves the log untouched.
func (l *Log) Stamp(record models.Message, nowMillis int64) models.Message {
	l.mux.RLock()
	defer l.mux.RUnlock()

	if nowMillis < l.lastTimestamp {
		nowMillis = l.lastTimestamp
	}
	record.Seq = l.lastSeq + 1
	record.CreatedAt = nowMillis
	return record
}

// Append adds a stamped record at the tail of the log.
func (l *Log) Append(record models.Message) {
	l.mux.Lock()
	defer l.mux.Unlock()

	l.records = append(l.records, record)
	l.lastSeq = record.Seq
	l.lastTimestamp = record.CreatedAt
}

// Snapshot returns a copy of the full ordered log.
func (l *Log) Snapshot() []models.Message {
	l.mux.RLock()
	defer l.mux.RUnlock()

	result := make([]models.Message, len(l.records))
	copy(result, l.records)
	return result
}

// LastSeq returns the sequence number of the newest record, 0 if empty.
func (l *Log) LastSeq() int64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return l.lastSeq
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.records)
}
