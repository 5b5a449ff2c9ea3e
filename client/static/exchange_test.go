package static

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/mkocikowski/libkafka/client/fetcher"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/compression"
)

// two batches: offsets 0-1 "foo", "bar" and 2-3 "monkey", "banana"
const recordSetFixture = `AAAAAAAAAAAAAABFAAAAAAKWOefaAAAAAAABAAABcVrvssgAAAFxWu+yyP////////////8AAAAAAAAAAhIAAAAABmZvbwASAAACAAZiYXIAAAAAAAAAAAIAAABLAAAAAAJkxR4UAAAAAAABAAABcVrvsssAAAFxWu+yy/////////////8AAAAAAAAAAhgAAAAADG1vbmtleQAYAAACAAxiYW5hbmEA`

func fixtureResponse(t *testing.T) *fetcher.Response {
	t.Helper()
	recordSet, err := base64.StdEncoding.DecodeString(recordSetFixture)
	if err != nil {
		t.Fatal(err)
	}
	return &fetcher.Response{Topic: "foo", RecordSet: recordSet}
}

func TestUnitParseResponse(t *testing.T) {
	e := &Exchange{}
	e.parseResponse(fixtureResponse(t), nil)
	if len(e.Batches) != 2 {
		t.Fatalf("%+v", e)
	}
	if topic := e.Topic; topic != "foo" {
		t.Fatal(topic)
	}
	if topic := e.Batches[1].Topic; topic != "foo" {
		t.Fatal(topic)
	}
	if n := e.Batches[1].NumRecords; n != 2 {
		t.Fatal(n)
	}
	if n := e.Batches[1].BaseOffset; n != 2 {
		t.Fatal(n)
	}
	if n := e.Batches[1].CompressedBytes; n != 75 {
		t.Fatal(n)
	}
	b, _ := json.Marshal(e)
	t.Log(string(b))
}

func TestUnitParseResponseNil(t *testing.T) {
	e := &Exchange{}
	e.parseResponse(nil, nil)
	if e.RequestError != ErrNilResponse {
		t.Fatal(e.RequestError)
	}
}

func TestUnitExchangeRecords(t *testing.T) {
	tp := kafkaconsumer.TopicPartition{Topic: "foo", Partition: 0}
	e := &Exchange{InitialOffset: 1}
	e.parseResponse(fixtureResponse(t), nil)
	records := e.records(tp, compression.Decompressors())
	// offset 0 is before the requested offset
	if len(records) != 3 {
		t.Fatalf("%+v", records)
	}
	if r := records[0]; r.Offset != 1 || string(r.RawValue) != "bar" || r.TopicPartition != tp {
		t.Fatalf("%+v", r)
	}
	if r := records[2]; r.Offset != 3 || string(r.RawValue) != "banana" {
		t.Fatalf("%+v", r)
	}
	if records[0].Timestamp.IsZero() {
		t.Fatal("no timestamp")
	}
}

// if the batch already has an error, then calling Records returns that same error
func TestUnitBatchRecordsError(t *testing.T) {
	b := &Batch{Error: ErrCodecNotFound}
	if _, err := b.Records(); err != ErrCodecNotFound {
		t.Fatal(err)
	}
	b.Decompress(compression.Decompressors())
	if b.Error != ErrCodecNotFound {
		t.Fatal(b.Error)
	}
}
