// issuance_log.go adapts the teacher's tamper-evident, hash-chained audit
// logger into an operator-token issuance log: every IssueToken call worth
// recording appends one hash-chained line so a compromised operator
// credential's issuance history cannot be silently edited after the fact.
package authz

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a fresh chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IssuanceEntry is one hash-chained record of an operator token being
// issued.
type IssuanceEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Subject   string    `json:"subject"`
	TTL       string    `json:"ttl"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Subject   string    `json:"subject"`
	TTL       string    `json:"ttl"`
	PrevHash  string    `json:"prev_hash"`
}

// IssuanceLog is a tamper-evident, append-only log of operator token
// issuances. Create one with OpenIssuanceLog; do not copy after first use.
type IssuanceLog struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// OpenIssuanceLog opens (or creates) the log at path, replaying any
// existing entries to restore the chain state and verifying the chain is
// unbroken.
func OpenIssuanceLog(path string) (*IssuanceLog, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("authz: open issuance log for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e IssuanceEntry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("authz: malformed issuance entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Subject: e.Subject, TTL: e.TTL, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("authz: issuance chain hash mismatch at seq %d", e.Seq)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("authz: issuance chain break at seq %d", e.Seq)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("authz: scanning existing issuance log %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("authz: open issuance log for appending %q: %w", path, err)
	}
	return &IssuanceLog{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append records one token issuance and returns the committed entry.
func (l *IssuanceLog) Append(subject string, ttl time.Duration) (IssuanceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Subject: subject, TTL: ttl.String(), PrevHash: prevHash}
	eventHash := hashContent(content)

	e := IssuanceEntry{Seq: seq, Timestamp: ts, Subject: subject, TTL: ttl.String(), PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return IssuanceEntry{}, fmt.Errorf("authz: marshal issuance entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return IssuanceEntry{}, fmt.Errorf("authz: write issuance entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash
	return e, nil
}

// Close flushes and closes the underlying file.
func (l *IssuanceLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("authz: sync issuance log: %w", err)
	}
	return l.file.Close()
}

func hashContent(c entryContent) string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
