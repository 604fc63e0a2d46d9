package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
)

const (
	EncodingGzip = "gzip"
	EncodingZstd = "zstd"
)

var ErrUnknownEncoding = errors.New("protocol: unknown content encoding")

var (
	gzipWriterPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	}}
	gzipReaderPool sync.Pool
	encoderPool    = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return enc
	}}
	decoderPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}}
)

func getEncoder() *zstd.Encoder  { return encoderPool.Get().(*zstd.Encoder) }
func putEncoder(e *zstd.Encoder) { encoderPool.Put(e) }
func getDecoder() *zstd.Decoder  { return decoderPool.Get().(*zstd.Decoder) }
func putDecoder(d *zstd.Decoder) { decoderPool.Put(d) }

// Compress 按 enc 压缩 src 并追加到 dst。
func Compress(dst *bytebufferpool.ByteBuffer, enc string, src []byte) error {
	switch enc {
	case EncodingGzip:
		w := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(w)
		w.Reset(dst)
		if _, err := w.Write(src); err != nil {
			return fmt.Errorf("protocol: gzip: %w", err)
		}
		return w.Close()
	case EncodingZstd:
		e := getEncoder()
		dst.B = e.EncodeAll(src, dst.B)
		putEncoder(e)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
}

// Decompress 解压 src，结果超过 limit 字节时返回 ErrBodyTooLarge。
func Decompress(enc string, src []byte, limit int) ([]byte, error) {
	switch enc {
	case EncodingGzip:
		var r *gzip.Reader
		if v := gzipReaderPool.Get(); v != nil {
			r = v.(*gzip.Reader)
			if err := r.Reset(bytes.NewReader(src)); err != nil {
				return nil, fmt.Errorf("protocol: gzip: %w", err)
			}
		} else {
			var err error
			if r, err = gzip.NewReader(bytes.NewReader(src)); err != nil {
				return nil, fmt.Errorf("protocol: gzip: %w", err)
			}
		}
		defer gzipReaderPool.Put(r)
		var out bytes.Buffer
		n, err := io.Copy(&out, io.LimitReader(r, int64(limit)+1))
		if err != nil {
			return nil, fmt.Errorf("protocol: gzip: %w", err)
		}
		if n > int64(limit) {
			return nil, ErrBodyTooLarge
		}
		return out.Bytes(), nil
	case EncodingZstd:
		d := getDecoder()
		defer putDecoder(d)
		out, err := d.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("protocol: zstd: %w", err)
		}
		if len(out) > limit {
			return nil, ErrBodyTooLarge
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
}

// NegotiateEncoding 按 Accept-Encoding 的 q 值选择支持的编码，q 相同时优先 gzip。
// 无可用编码时返回空串。
func NegotiateEncoding(accept string) string {
	best, bestQ := "", 0.0
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			q = f
		}
		if name != EncodingGzip && name != EncodingZstd {
			continue
		}
		if q > bestQ || (q == bestQ && q > 0 && name == EncodingGzip) {
			best, bestQ = name, q
		}
	}
	return best
}
