package csvio

import (
	"encoding/csv"
	"io"
	"iter"
	"strconv"

	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
)

const (
	errorOperationEncode = "csv"
	errorSubjectSnapshot = "snapshot"
	errorCodeWrite       = "write"
)

var snapshotHeader = []string{"client", "available", "held", "total", "locked"}

// Writer renders account snapshots as CSV rows.
type Writer struct {
	writer *csv.Writer
}

// NewWriter wraps destination.
func NewWriter(destination io.Writer) *Writer {
	return &Writer{writer: csv.NewWriter(destination)}
}

// WriteSnapshots writes the header followed by one row per snapshot and flushes.
func (writer *Writer) WriteSnapshots(snapshots iter.Seq[ledger.AccountSnapshot]) error {
	if err := writer.writer.Write(snapshotHeader); err != nil {
		return ledger.WrapError(errorOperationEncode, errorSubjectSnapshot, errorCodeWrite, err)
	}
	row := make([]string, len(snapshotHeader))
	for snapshot := range snapshots {
		row[0] = strconv.FormatUint(uint64(snapshot.Client), 10)
		row[1] = snapshot.Available.String()
		row[2] = snapshot.Held.String()
		row[3] = snapshot.Total.String()
		row[4] = strconv.FormatBool(snapshot.Locked)
		if err := writer.writer.Write(row); err != nil {
			return ledger.WrapError(errorOperationEncode, errorSubjectSnapshot, errorCodeWrite, err)
		}
	}
	writer.writer.Flush()
	return ledger.WrapError(errorOperationEncode, errorSubjectSnapshot, errorCodeWrite, writer.writer.Error())
}
