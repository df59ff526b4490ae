package csvio

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
)

type failingReader struct {
	data []byte
	err  error
}

func (reader *failingReader) Read(buffer []byte) (int, error) {
	if len(reader.data) == 0 {
		return 0, reader.err
	}
	count := copy(buffer, reader.data)
	reader.data = reader.data[count:]
	return count, nil
}

func TestDecoderRecords(test *testing.T) {
	test.Parallel()
	input := strings.Join([]string{
		"type, client, tx, amount",
		"deposit, 1, 1, 1.0",
		"Withdrawal,2,5,  3.25 ",
		"dispute, 1, 1,",
		"resolve,1,1",
		"chargeback, 1, 1, 9.9",
		"",
	}, "\n")
	decoder := mustDecoder(test, input)

	records := slices.Collect(decoder.Records())
	if err := decoder.Err(); err != nil {
		test.Fatalf("unexpected stream error: %v", err)
	}
	if len(records) != 5 {
		test.Fatalf("expected 5 records, got %d", len(records))
	}
	deposit := records[0]
	if deposit.Type != ledger.TransactionDeposit || deposit.Client != 1 || deposit.Tx != 1 || deposit.Amount == nil || deposit.Amount.String() != "1.0000" {
		test.Fatalf("unexpected deposit: %+v", deposit)
	}
	withdrawal := records[1]
	if withdrawal.Type != ledger.TransactionWithdrawal || withdrawal.Client != 2 || withdrawal.Tx != 5 || withdrawal.Amount.String() != "3.2500" {
		test.Fatalf("unexpected withdrawal: %+v", withdrawal)
	}
	for index, want := range []ledger.TransactionType{ledger.TransactionDispute, ledger.TransactionResolve, ledger.TransactionChargeback} {
		record := records[index+2]
		if record.Type != want || record.DecodeErr != nil {
			test.Fatalf("expected %s, got %+v", want, record)
		}
	}
	if records[2].Amount != nil || records[3].Amount != nil {
		test.Fatalf("expected dispute and resolve without amount")
	}
}

func TestDecoderMalformedRows(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		row  string
	}{
		{name: "unknown type", row: "refund,1,1,1.0"},
		{name: "negative client", row: "deposit,-1,1,1.0"},
		{name: "client out of range", row: "deposit,70000,1,1.0"},
		{name: "tx not a number", row: "deposit,1,abc,1.0"},
		{name: "five decimals", row: "deposit,1,1,1.00001"},
		{name: "amount garbage", row: "withdrawal,1,1,lots"},
		{name: "bare quote", row: "deposit,1,1,1\"0"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			decoder := mustDecoder(test, "type,client,tx,amount\n"+testCase.row+"\ndeposit,1,2,1.0\n")
			records := slices.Collect(decoder.Records())
			if len(records) != 2 {
				test.Fatalf("expected malformed row to be passed through followed by a valid one, got %d records", len(records))
			}
			if records[0].DecodeErr == nil {
				test.Fatalf("expected decode error for %q", testCase.row)
			}
			if records[1].DecodeErr != nil || records[1].Tx != 2 {
				test.Fatalf("expected decoding to continue, got %+v", records[1])
			}
		})
	}
}

func TestDecoderToleratesBadAmountOnDispute(test *testing.T) {
	test.Parallel()
	decoder := mustDecoder(test, "type,client,tx,amount\ndispute,1,1,n/a\n")
	records := slices.Collect(decoder.Records())
	if len(records) != 1 || records[0].DecodeErr != nil || records[0].Amount != nil {
		test.Fatalf("expected tolerated dispute row, got %+v", records)
	}
}

func TestNewDecoderRequiresHeader(test *testing.T) {
	test.Parallel()
	if _, err := NewDecoder(strings.NewReader("")); !errors.Is(err, ErrMissingHeader) {
		test.Fatalf("expected ErrMissingHeader, got %v", err)
	}
	if _, err := NewDecoder(strings.NewReader("type,client,amount\n")); !errors.Is(err, ErrMissingColumn) {
		test.Fatalf("expected ErrMissingColumn, got %v", err)
	}
}

func TestDecoderReportsStreamError(test *testing.T) {
	test.Parallel()
	streamError := errors.New("disk gone")
	decoder, err := NewDecoder(&failingReader{data: []byte("type,client,tx,amount\ndeposit,1,1,1.0\n"), err: streamError})
	if err != nil {
		test.Fatalf("new decoder: %v", err)
	}
	records := slices.Collect(decoder.Records())
	if len(records) != 1 {
		test.Fatalf("expected the complete row before the failure, got %d", len(records))
	}
	if !errors.Is(decoder.Err(), streamError) {
		test.Fatalf("expected stream error, got %v", decoder.Err())
	}
}

func TestWriterFormatsSnapshots(test *testing.T) {
	test.Parallel()
	snapshots := []ledger.AccountSnapshot{
		{Client: 1, Available: ledger.NewAmount(-5_000_000), Held: 0, Total: ledger.NewAmount(-5_000_000), Locked: true},
		{Client: 2, Available: ledger.NewAmount(15_000), Held: ledger.NewAmount(1), Total: ledger.NewAmount(15_001)},
	}
	var buffer bytes.Buffer
	if err := NewWriter(&buffer).WriteSnapshots(slices.Values(snapshots)); err != nil {
		test.Fatalf("write snapshots: %v", err)
	}
	expected := "client,available,held,total,locked\n" +
		"1,-500.0000,0.0000,-500.0000,true\n" +
		"2,1.5000,0.0001,1.5001,false\n"
	if buffer.String() != expected {
		test.Fatalf("expected %q, got %q", expected, buffer.String())
	}
}

func TestDecoderFeedsProcessor(test *testing.T) {
	test.Parallel()
	input := "type,client,tx,amount\n" +
		"deposit,1,1,1000.0\n" +
		"withdrawal,1,2,500.0\n" +
		"dispute,1,1,\n" +
		"chargeback,1,1,\n"
	decoder := mustDecoder(test, input)
	store := ledger.NewStore()
	processor, err := ledger.NewProcessor(store)
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	summary := processor.ProcessAll(decoder.Records())
	if summary.Applied != 4 {
		test.Fatalf("expected 4 applied records, got %+v", summary)
	}
	var buffer bytes.Buffer
	if err := NewWriter(&buffer).WriteSnapshots(store.Snapshots()); err != nil {
		test.Fatalf("write snapshots: %v", err)
	}
	expected := "client,available,held,total,locked\n1,-500.0000,0.0000,-500.0000,true\n"
	if buffer.String() != expected {
		test.Fatalf("expected %q, got %q", expected, buffer.String())
	}
}

func mustDecoder(test *testing.T, input string) *Decoder {
	test.Helper()
	decoder, err := NewDecoder(strings.NewReader(input))
	if err != nil {
		test.Fatalf("new decoder: %v", err)
	}
	return decoder
}
