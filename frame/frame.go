// Package frame 实现 TCP 服务的长度前缀分帧。
//
// 帧格式：LenFlags | Body。LenFlags 为 2 字节短头或 4 字节长头，长度计入整个 Body：
//   - bit15：Body 经 zstd 压缩（对解压后的 Body 解释下面的格式）
//   - bit14：批量帧，Body 为若干 Api(uint16) | Len(uvarint) | Data
//   - bit13：长头；短头中为 0
//
// 非批量帧的 Body 为 Api(uint16) | Data。
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/legamerdc/rio/buffer"
)

const (
	flagCompressed = 1 << 15
	flagBatched    = 1 << 14
	flagExt        = 1 << 13

	shortMax = 0x1FFF    // 13 位
	MaxLen   = 1<<29 - 1 // 长头可表示的最大长度
	apiLen   = 2
)

var (
	ErrTooLarge = errors.New("frame: too large")
	ErrCorrupt  = errors.New("frame: corrupt")
	ErrEmpty    = errors.New("frame: empty batch")
)

// EncodeAll/DecodeAll 可并发调用
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxLen))
)

type Frame struct {
	API        uint16
	Data       []byte
	Compressed bool    // 线上的 Body 是否经过压缩
	Batch      []Frame // 批量帧的各条消息，此时 API 与 Data 为零值
}

// headerLen 返回长度 n 所需的 LenFlags 字节数。
func headerLen(n int) int {
	if n <= shortMax {
		return 2
	}
	return 4
}

func putHeader(dst []byte, flags uint16, n int) int {
	if n <= shortMax {
		binary.BigEndian.PutUint16(dst, flags|uint16(n))
		return 2
	}
	binary.BigEndian.PutUint16(dst, flags|flagExt|uint16(n>>16))
	binary.BigEndian.PutUint16(dst[2:], uint16(n))
	return 4
}

// parseHeader 解析 LenFlags，used 为 0 表示字节不足。
func parseHeader(b []byte) (flags uint16, used, n int) {
	if len(b) < 2 {
		return 0, 0, 0
	}
	first := binary.BigEndian.Uint16(b)
	flags = first & (flagCompressed | flagBatched)
	if first&flagExt == 0 {
		return flags, 2, int(first & shortMax)
	}
	if len(b) < 4 {
		return 0, 0, 0
	}
	return flags, 4, int(first&shortMax)<<16 | int(binary.BigEndian.Uint16(b[2:]))
}

// Encoder 把消息编码为帧。CompressMin 大于 0 时，Body 不短于它的帧经 zstd 压缩。
type Encoder struct {
	CompressMin int
}

// seal 按需压缩 body 并返回 LenFlags 的标志位。
func (e Encoder) seal(body []byte, flags uint16) ([]byte, uint16, error) {
	if e.CompressMin > 0 && len(body) >= e.CompressMin {
		if z := encoder.EncodeAll(body, nil); len(z) < len(body) {
			body, flags = z, flags|flagCompressed
		}
	}
	if len(body) > MaxLen {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	return body, flags, nil
}

func appendFrame(dst []byte, flags uint16, body []byte) []byte {
	var hdr [4]byte
	h := putHeader(hdr[:], flags, len(body))
	dst = append(dst, hdr[:h]...)
	return append(dst, body...)
}

func single(api uint16, data []byte) []byte {
	body := make([]byte, apiLen, apiLen+len(data))
	binary.BigEndian.PutUint16(body, api)
	return append(body, data...)
}

// Append 把一帧追加到 dst。
func (e Encoder) Append(dst []byte, api uint16, data []byte) ([]byte, error) {
	if e.CompressMin <= 0 || len(data) < e.CompressMin {
		// 不压缩时直接写入 dst，省去中间拷贝
		n := apiLen + len(data)
		if n > MaxLen {
			return dst, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
		}
		var hdr [4 + apiLen]byte
		h := putHeader(hdr[:], 0, n)
		binary.BigEndian.PutUint16(hdr[h:], api)
		dst = append(dst, hdr[:h+apiLen]...)
		return append(dst, data...), nil
	}
	body, flags, err := e.seal(single(api, data), 0)
	if err != nil {
		return dst, err
	}
	return appendFrame(dst, flags, body), nil
}

// AppendBatch 把 msgs 合并为一个批量帧追加到 dst，只使用各条的 API 与 Data。
func (e Encoder) AppendBatch(dst []byte, msgs []Frame) ([]byte, error) {
	if len(msgs) == 0 {
		return dst, ErrEmpty
	}
	size := 0
	for _, m := range msgs {
		size += apiLen + binary.MaxVarintLen64 + len(m.Data)
	}
	body := make([]byte, 0, size)
	for _, m := range msgs {
		body = binary.BigEndian.AppendUint16(body, m.API)
		body = binary.AppendUvarint(body, uint64(len(m.Data)))
		body = append(body, m.Data...)
	}
	body, flags, err := e.seal(body, flagBatched)
	if err != nil {
		return dst, err
	}
	return appendFrame(dst, flags, body), nil
}

// Write 把一帧写入 b。
func (e Encoder) Write(b *buffer.Buffer, api uint16, data []byte) error {
	n := apiLen + len(data)
	if n > MaxLen {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	b.EnsureWritable(headerLen(n) + n)
	out, err := e.Append(b.WritableSlice()[:0], api, data)
	if err != nil {
		return err
	}
	// 压缩只会变短，Append 一定写在预留的可写区域内
	b.HasWritten(len(out))
	return nil
}

// Decoder 从输入缓冲切出完整帧。MaxLen 为 0 时上限为包级 MaxLen。
type Decoder struct {
	MaxLen int
}

func (d Decoder) limit() int {
	if d.MaxLen <= 0 || d.MaxLen > MaxLen {
		return MaxLen
	}
	return d.MaxLen
}

// Next 取出下一帧；字节不足时 ok 为 false 且不消费输入。
// 未压缩帧的 Data 引用 in 的内存，只在下一次向 in 写入前有效。
func (d Decoder) Next(in *buffer.Buffer) (f Frame, ok bool, err error) {
	limit := d.limit()
	b := in.Peek()
	flags, used, n := parseHeader(b)
	if used == 0 {
		return f, false, nil
	}
	if n > limit {
		return f, false, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
	}
	if len(b) < used+n {
		return f, false, nil
	}
	body := b[used : used+n]
	in.Retrieve(used + n)
	if flags&flagCompressed != 0 {
		f.Compressed = true
		if body, err = decoder.DecodeAll(body, nil); err != nil {
			return f, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(body) > limit {
			return f, false, fmt.Errorf("%w: decoded %d > %d", ErrTooLarge, len(body), limit)
		}
	}
	if flags&flagBatched != 0 {
		if f.Batch, err = splitBatch(body); err != nil {
			return f, false, err
		}
		return f, true, nil
	}
	if len(body) < apiLen {
		return f, false, fmt.Errorf("%w: length %d", ErrCorrupt, len(body))
	}
	f.API = binary.BigEndian.Uint16(body)
	f.Data = body[apiLen:]
	return f, true, nil
}

func splitBatch(body []byte) ([]Frame, error) {
	var out []Frame
	for len(body) > 0 {
		if len(body) < apiLen {
			return nil, fmt.Errorf("%w: truncated batch entry", ErrCorrupt)
		}
		api := binary.BigEndian.Uint16(body)
		size, k := binary.Uvarint(body[apiLen:])
		if k <= 0 || size > uint64(len(body)-apiLen-k) {
			return nil, fmt.Errorf("%w: batch entry length", ErrCorrupt)
		}
		start := apiLen + k
		end := start + int(size)
		out = append(out, Frame{API: api, Data: body[start:end:end]})
		body = body[end:]
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Drain 取出 in 中全部完整帧，批量帧展开后逐条交给 fn。
// 返回交付的消息数；出错时已交付的消息不回退。
func (d Decoder) Drain(in *buffer.Buffer, fn func(api uint16, data []byte)) (int, error) {
	count := 0
	for {
		f, ok, err := d.Next(in)
		if err != nil || !ok {
			return count, err
		}
		if f.Batch == nil {
			fn(f.API, f.Data)
			count++
			continue
		}
		for _, m := range f.Batch {
			fn(m.API, m.Data)
			count++
		}
	}
}
