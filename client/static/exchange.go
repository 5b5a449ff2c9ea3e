package static

import (
	"time"

	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client/fetcher"
	"github.com/mkocikowski/libkafka/compression"
	"github.com/mkocikowski/libkafka/record"

	"github.com/mkocikowski/kafkaconsumer"
)

// Batch is the unit at which data it fetched from kafka. A successful fetch request will return one
// or more batches. Each batch, if unmarshaled successfully, will have one or more records in it.
type Batch struct {
	libkafka.Batch
	Topic           string
	Partition       int32
	Error           error
	CompressedBytes int32
}

var (
	ErrCodecNotFound   = kafkaconsumer.Errorf("codec not found")
	ErrBatchCompressed = kafkaconsumer.Errorf("batch is compressed")
	ErrNilResponse     = kafkaconsumer.Errorf("nil fetch response")
)

// Decompress the batch. Decompressing a batch that is not compressed is a nop. Mutates the batch.
// If Batch.Error is not nil Decompress is a nop. Sets Batch.Error on error.
func (b *Batch) Decompress(decompressors map[int16]batch.Decompressor) {
	if b.Error != nil {
		return
	}
	if b.Batch.CompressionType() == compression.None {
		return
	}
	d := decompressors[b.Batch.CompressionType()]
	if d == nil {
		b.Error = ErrCodecNotFound
		return
	}
	if err := b.Batch.Decompress(d); err != nil {
		b.Error = err
	}
}

// Records retrieves individual records from the batch. Batch must be decompressed.
func (b *Batch) Records() ([]*record.Record, error) {
	if b.Error != nil {
		return nil, b.Error
	}
	if b.Batch.CompressionType() != compression.None {
		return nil, ErrBatchCompressed
	}
	recordsBytes := b.Batch.Records()
	records := make([]*record.Record, len(recordsBytes))
	for i, b := range recordsBytes {
		r, err := record.Unmarshal(b)
		if err != nil {
			return nil, err
		}
		records[i] = r
	}
	return records, nil
}

func (b *Batch) MaxTimestamp() time.Time {
	return time.Unix(0, b.Batch.MaxTimestamp*int64(time.Millisecond))
}

// Exchange is a single fetch request and its response, for one partition.
type Exchange struct {
	fetcher.Response
	RequestError  error
	Batches       []*Batch
	InitialOffset int64
	// FinalOffset is the offset of the last record in the last good batch, set by the response
	// handler.
	FinalOffset int64
}

func (e *Exchange) parseResponse(r *fetcher.Response, err error) {
	if err != nil {
		e.RequestError = err
		return
	}
	if r == nil {
		e.RequestError = ErrNilResponse
		return
	}
	e.Response = *r
	for _, b := range r.RecordSet.Batches() {
		responseBatch, err := batch.Unmarshal(b)
		if err != nil {
			e.Batches = append(e.Batches, &Batch{
				Topic:     r.Topic,
				Partition: r.Partition,
				Error:     kafkaconsumer.Errorf("error unmarshaling batch: %w", err),
			})
			continue
		}
		e.Batches = append(e.Batches, &Batch{
			Batch:           *responseBatch,
			Topic:           r.Topic,
			Partition:       r.Partition,
			CompressedBytes: responseBatch.BatchLengthBytes,
		})
	}
}

// records converts the exchange's batches into consumer records. Records before InitialOffset
// (a batch may start before the requested offset) are skipped, as are failed batches.
func (e *Exchange) records(tp kafkaconsumer.TopicPartition, decompressors map[int16]batch.Decompressor) []*kafkaconsumer.Record {
	var out []*kafkaconsumer.Record
	for _, b := range e.Batches {
		b.Decompress(decompressors)
		records, err := b.Records()
		if err != nil {
			b.Error = err
			continue
		}
		timestamp := b.MaxTimestamp()
		for _, r := range records {
			offset := b.BaseOffset + r.OffsetDelta
			if offset < e.InitialOffset {
				continue
			}
			out = append(out, &kafkaconsumer.Record{
				TopicPartition: tp,
				Offset:         offset,
				Timestamp:      timestamp,
				RawKey:         r.Key,
				RawValue:       r.Value,
			})
		}
	}
	return out
}
