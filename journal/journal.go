// Package journal implements the append-only text log whose replay
// reconstructs the server's stores, grounded on the original server's
// fgetc-based journal reader/writer and its "poisoned on malformed record"
// recovery policy.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// Journal is a durable, human-inspectable, append-only log of every
// mutating fact the server needs to recover its stores. It is not safe for
// concurrent use — the server's single core-loop goroutine is its only
// owner, matching the rest of the dispatcher's no-locking design.
type Journal struct {
	path     string
	file     *os.File
	scanner  *scanner
	poisoned bool
	draining bool // true until the replay cursor has drained to EOF once
}

// Open opens path for read-then-append, creating it if absent.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{
		path:     path,
		file:     f,
		scanner:  &scanner{r: bufio.NewReader(f)},
		draining: true,
	}, nil
}

// HasMore reports whether any non-whitespace byte remains unread from the
// current position. The first time it returns false, the journal is
// considered drained and Commit becomes legal.
func (j *Journal) HasMore() bool {
	if j.poisoned || !j.draining {
		return false
	}
	if err := j.scanner.peekNonSpace(); err != nil {
		j.draining = false
		return false
	}
	return true
}

// Next parses and returns the next record, advancing the cursor. Any parse
// error poisons the journal: the server is expected to log it and continue
// without durability, per the failure policy this implements.
func (j *Journal) Next() (Record, error) {
	rec, err := parseRecord(j.scanner)
	if err != nil {
		j.poisoned = true
		return nil, fmt.Errorf("journal: malformed record: %w", err)
	}
	return rec, nil
}

// Commit appends record's formatted line and fsyncs before returning. It
// may only be called once HasMore has returned false; a poisoned journal
// makes Commit a no-op that reports an error, matching the journal's
// documented failure policy.
func (j *Journal) Commit(record Record) error {
	if j.poisoned {
		return errors.New("journal: poisoned, commit is a no-op")
	}
	if j.draining {
		return errors.New("journal: commit called before replay drained the file")
	}
	if _, err := j.file.Write([]byte(record.format() + "\n")); err != nil {
		j.poisoned = true
		return err
	}
	return j.file.Sync()
}

func (j *Journal) Poisoned() bool { return j.poisoned }

func (j *Journal) Close() error { return j.file.Close() }
