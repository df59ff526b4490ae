// Package csvio adapts the comma-separated transaction feed to ledger records and
// renders account snapshots back to the same format.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
)

const (
	columnType   = "type"
	columnClient = "client"
	columnTx     = "tx"
	columnAmount = "amount"

	errorOperationDecode = "csv"
	errorSubjectHeader   = "header"
	errorSubjectStream   = "stream"
	errorCodeMissing     = "missing"
	errorCodeRead        = "read"
)

// Decoder errors.
var (
	ErrMissingHeader = errors.New("missing csv header")
	ErrMissingColumn = errors.New("missing csv column")
)

// Decoder lazily turns CSV rows into ledger records.
type Decoder struct {
	reader  *csv.Reader
	columns map[string]int
	line    int
	err     error
}

// NewDecoder reads the header row and locates the required columns by name.
func NewDecoder(source io.Reader) (*Decoder, error) {
	reader := csv.NewReader(source)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ledger.WrapError(errorOperationDecode, errorSubjectHeader, errorCodeMissing, ErrMissingHeader)
	}
	if err != nil {
		return nil, ledger.WrapError(errorOperationDecode, errorSubjectHeader, errorCodeRead, err)
	}
	columns := make(map[string]int, len(header))
	for index, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = index
	}
	for _, required := range []string{columnType, columnClient, columnTx} {
		if _, ok := columns[required]; !ok {
			return nil, ledger.WrapError(errorOperationDecode, errorSubjectHeader, errorCodeMissing, fmt.Errorf("%w: %s", ErrMissingColumn, required))
		}
	}
	return &Decoder{reader: reader, columns: columns, line: 1}, nil
}

// Records yields one record per data row. Rows that cannot be decoded are yielded
// with DecodeErr set. Iteration stops at end of input or on an I/O failure, which Err reports.
func (decoder *Decoder) Records() iter.Seq[ledger.Record] {
	return func(yield func(ledger.Record) bool) {
		for {
			fields, err := decoder.reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			var parseError *csv.ParseError
			if errors.As(err, &parseError) {
				decoder.line = parseError.Line
				if !yield(ledger.Record{DecodeErr: err}) {
					return
				}
				continue
			}
			if err != nil {
				decoder.err = ledger.WrapError(errorOperationDecode, errorSubjectStream, errorCodeRead, err)
				return
			}
			decoder.line, _ = decoder.reader.FieldPos(0)
			if isBlank(fields) {
				continue
			}
			if !yield(decoder.decode(fields)) {
				return
			}
		}
	}
}

// Err returns the I/O error that stopped iteration, if any.
func (decoder *Decoder) Err() error {
	return decoder.err
}

func (decoder *Decoder) decode(fields []string) ledger.Record {
	transactionType, err := ledger.ParseTransactionType(decoder.field(fields, columnType))
	if err != nil {
		return decoder.malformed(err)
	}
	client, err := strconv.ParseUint(decoder.field(fields, columnClient), 10, 16)
	if err != nil {
		return decoder.malformed(fmt.Errorf("client: %w", err))
	}
	tx, err := strconv.ParseUint(decoder.field(fields, columnTx), 10, 32)
	if err != nil {
		return decoder.malformed(fmt.Errorf("tx: %w", err))
	}
	record := ledger.Record{
		Type:   transactionType,
		Client: ledger.ClientID(client),
		Tx:     ledger.TransactionID(tx),
	}
	rawAmount := decoder.field(fields, columnAmount)
	if rawAmount == "" {
		return record
	}
	amount, err := ledger.ParseAmount(rawAmount)
	if err != nil {
		// Dispute-family rows tolerate a stray amount column.
		if transactionType == ledger.TransactionDeposit || transactionType == ledger.TransactionWithdrawal {
			return decoder.malformed(err)
		}
		return record
	}
	record.Amount = &amount
	return record
}

func (decoder *Decoder) field(fields []string, column string) string {
	index, ok := decoder.columns[column]
	if !ok || index >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[index])
}

func (decoder *Decoder) malformed(err error) ledger.Record {
	return ledger.Record{DecodeErr: fmt.Errorf("line %d: %w", decoder.line, err)}
}

func isBlank(fields []string) bool {
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
