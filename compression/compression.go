// Package compression implements libkafka batch decompressors for the codecs the static client
// can read: none, gzip, lz4, and zstd.
package compression

import (
	"bytes"
	"io"

	"github.com/DataDog/zstd"
	"github.com/klauspost/compress/gzip"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/compression"
	"github.com/pierrec/lz4"
)

type Gzip struct{}

func (c *Gzip) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *Gzip) Type() int16 {
	return compression.Gzip
}

type Lz4 struct{}

// Decompress reads lz4 frames, which is what kafka uses since message format v1.
func (c *Lz4) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

func (c *Lz4) Type() int16 {
	return compression.Lz4
}

type Zstd struct{}

func (c *Zstd) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

func (c *Zstd) Type() int16 {
	return compression.Zstd
}

type None struct{}

func (c *None) Decompress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *None) Type() int16 {
	return compression.None
}

// Decompressors returns a fresh codec table, keyed by batch compression type. Snappy is not
// supported: batches compressed with it fail to decompress.
func Decompressors() map[int16]batch.Decompressor {
	return map[int16]batch.Decompressor{
		compression.None: &None{},
		compression.Gzip: &Gzip{},
		compression.Lz4:  &Lz4{},
		compression.Zstd: &Zstd{},
	}
}
