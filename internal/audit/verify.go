package audit

import (
	"fmt"
	"os"

	"github.com/marainhq/marain/internal/errs"
)

// VerifyFile walks one log file front to back, checking each record's
// hash and its link to the one before. prevTail is the hash the first
// record must chain to: Genesis for the oldest file in a series, else
// the last hash of the previous file. Returns the file's last hash and
// record count.
func VerifyFile(path, prevTail string) (string, int, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return "", 0, err
	}
	tail := prevTail
	for i, rec := range records {
		if rec.PrevHash != tail {
			return "", i, errs.Audit(fmt.Sprintf("%s: record %d prev_hash mismatch (chain broken)", path, i), nil)
		}
		if rec.ComputeHash() != rec.Hash {
			return "", i, errs.Audit(fmt.Sprintf("%s: record %d hash mismatch (record altered)", path, i), nil)
		}
		tail = rec.Hash
	}
	return tail, len(records), nil
}

// VerifyChain verifies the whole series for the log at path: every
// rotated file oldest first, then the active file, as one continuous
// chain from Genesis. Returns the total record count.
func VerifyChain(path string) (int, error) {
	tail := Genesis
	total := 0
	for _, file := range chainFiles(path) {
		last, n, err := VerifyFile(file, tail)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return total + n, err
		}
		if n > 0 {
			tail = last
		}
		total += n
	}
	return total, nil
}

// Replay feeds every record of the series to fn in chain order,
// verifying the chain as it goes. Rebuilding derived state from a
// backup goes through here so a tampered backup is rejected rather
// than replayed.
func Replay(path string, fn func(Record) error) (int, error) {
	tail := Genesis
	total := 0
	for _, file := range chainFiles(path) {
		records, err := ReadRecords(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return total, err
		}
		for i, rec := range records {
			if rec.PrevHash != tail || rec.ComputeHash() != rec.Hash {
				return total, errs.Audit(fmt.Sprintf("%s: record %d fails verification, replay aborted", file, i), nil)
			}
			if err := fn(rec); err != nil {
				return total, err
			}
			tail = rec.Hash
			total++
		}
	}
	return total, nil
}

// chainFiles lists the series oldest first: highest rotation suffix
// down to .1, then the active file. Missing files are skipped by the
// readers.
func chainFiles(path string) []string {
	rotated := rotatedFiles(path)
	out := make([]string, 0, len(rotated)+1)
	for i := len(rotated) - 1; i >= 0; i-- {
		out = append(out, rotated[i])
	}
	return append(out, path)
}
