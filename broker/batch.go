package broker

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Layout of a v2 record batch header.
const (
	batchHeaderLen       = 61
	batchLengthOffset    = 8  // Int32 length of the batch after this field.
	batchEpochOffset     = 12 // Int32 partition leader epoch.
	batchMagicOffset     = 16
	batchCRCOffset       = 17
	batchCRCStart        = 21 // The CRC covers all bytes from attributes onward.
	batchCodecMask       = 0x07
	batchControlFlag     = 0x20
	batchLengthPrefixLen = 12
)

// Compression codecs of batch attributes.
const (
	codecNone   = 0
	codecGzip   = 1
	codecSnappy = 2
	codecLZ4    = 3
	codecZstd   = 4
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// batchInfo is the validated header of a record batch.
type batchInfo struct {
	base         int64
	last         int64
	epoch        int32
	maxTimestamp int64
	records      int32
	size         int
}

// splitBatches splits concatenated record batches, validating each.
func splitBatches(b []byte) ([][]byte, []batchInfo, error) {
	var raws [][]byte
	var infos []batchInfo

	for len(b) != 0 {
		if len(b) < batchLengthPrefixLen {
			return nil, nil, errors.Errorf("truncated batch header (%d bytes)", len(b))
		}
		var n = int(int32(binary.BigEndian.Uint32(b[batchLengthOffset:]))) + batchLengthPrefixLen
		if n < batchHeaderLen || n > len(b) {
			return nil, nil, errors.Errorf("invalid batch length (%d of %d bytes)", n, len(b))
		}
		var info, err = validateBatch(b[:n])
		if err != nil {
			return nil, nil, err
		}
		raws, infos = append(raws, b[:n:n]), append(infos, info)
		b = b[n:]
	}
	if len(raws) == 0 {
		return nil, nil, errors.New("no record batches")
	}
	return raws, infos, nil
}

// validateBatch checks the framing, checksum, and records of a batch.
func validateBatch(raw []byte) (batchInfo, error) {
	var rb kmsg.RecordBatch
	if err := rb.ReadFrom(raw); err != nil {
		return batchInfo{}, errors.Wrap(err, "decoding batch header")
	} else if rb.Magic != 2 {
		return batchInfo{}, errors.Errorf("unsupported batch magic (%d)", rb.Magic)
	} else if c := crc32.Checksum(raw[batchCRCStart:], crc32c); int32(c) != rb.CRC {
		return batchInfo{}, errors.Errorf("batch CRC mismatch (expected %d, got %d)", rb.CRC, int32(c))
	} else if rb.NumRecords <= 0 {
		return batchInfo{}, errors.Errorf("invalid batch record count (%d)", rb.NumRecords)
	} else if rb.LastOffsetDelta != rb.NumRecords-1 && rb.Attributes&batchControlFlag == 0 {
		return batchInfo{}, errors.Errorf("batch LastOffsetDelta %d doesn't match %d records",
			rb.LastOffsetDelta, rb.NumRecords)
	}

	var records, err = decompress(rb.Records, rb.Attributes&batchCodecMask)
	if err != nil {
		return batchInfo{}, err
	} else if err = checkRecords(records, rb.NumRecords); err != nil {
		return batchInfo{}, err
	}
	return batchInfo{
		base:         rb.FirstOffset,
		last:         rb.FirstOffset + int64(rb.LastOffsetDelta),
		epoch:        rb.PartitionLeaderEpoch,
		maxTimestamp: rb.MaxTimestamp,
		records:      rb.NumRecords,
		size:         len(raw),
	}, nil
}

// stampBatch rewrites the base offset and leader epoch of a batch. Neither
// field is covered by the batch CRC.
func stampBatch(raw []byte, base int64, epoch int32) {
	binary.BigEndian.PutUint64(raw[0:], uint64(base))
	binary.BigEndian.PutUint32(raw[batchEpochOffset:], uint32(epoch))
}

// checkRecords verifies that |b| holds exactly |n| well-formed records.
func checkRecords(b []byte, n int32) error {
	for i := int32(0); i != n; i++ {
		var length, hdr = kbin.Varint(b)
		if hdr <= 0 || length < 0 || hdr+int(length) > len(b) {
			return errors.Errorf("record %d of %d is truncated", i, n)
		}
		var rec = kmsg.NewRecord()
		if err := rec.ReadFrom(b[:hdr+int(length)]); err != nil {
			return errors.Wrapf(err, "decoding record %d of %d", i, n)
		}
		b = b[hdr+int(length):]
	}
	if len(b) != 0 {
		return errors.Errorf("%d trailing bytes after %d records", len(b), n)
	}
	return nil
}

// xerialMagic is the header of Xerial-framed snappy data, which Java
// clients produce.
var xerialMagic = []byte{0x82, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

func decompress(b []byte, codec int16) ([]byte, error) {
	switch codec {
	case codecNone:
		return b, nil
	case codecGzip:
		var r, err = gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer r.Close()
		return readAll(r, "gzip")
	case codecSnappy:
		if bytes.HasPrefix(b, xerialMagic) {
			return decodeXerial(b)
		}
		var out, err = snappy.Decode(nil, b)
		return out, errors.Wrap(err, "snappy")
	case codecLZ4:
		return readAll(lz4.NewReader(bytes.NewReader(b)), "lz4")
	case codecZstd:
		var r, err = zstd.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		defer r.Close()
		return readAll(r, "zstd")
	default:
		return nil, errors.Errorf("unsupported compression codec (%d)", codec)
	}
}

func readAll(r io.Reader, codec string) ([]byte, error) {
	var out, err = io.ReadAll(r)
	return out, errors.Wrap(err, codec)
}

// decodeXerial decodes chunks of (Int32 size, snappy block) which follow
// the 8-byte magic and 8-byte version header.
func decodeXerial(b []byte) ([]byte, error) {
	if len(b) < 16 {
		return nil, errors.Errorf("xerial snappy: header is truncated (%d bytes)", len(b))
	}
	var out []byte
	for b = b[16:]; len(b) != 0; {
		if len(b) < 4 {
			return nil, errors.New("xerial snappy: chunk size is truncated")
		}
		var n = int(binary.BigEndian.Uint32(b))
		if b = b[4:]; n > len(b) {
			return nil, errors.Errorf("xerial snappy: invalid chunk size (%d)", n)
		}
		var chunk, err = snappy.Decode(nil, b[:n])
		if err != nil {
			return nil, errors.Wrap(err, "xerial snappy")
		}
		out, b = append(out, chunk...), b[n:]
	}
	return out, nil
}
