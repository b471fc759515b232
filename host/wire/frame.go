package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	qerrors "qchat/host/errors"
)

const (
	Magic   uint32 = 0x51434831 // "QCH1"
	Version uint8  = 1

	HeaderSize = 4 + 1 + 1 + 2 + 4 + 4
)

type FrameType uint8

const (
	FrameEnvelope FrameType = 1
	FrameStream   FrameType = 2
)

// String 返回帧类型文本（仅用于日志）。
func (t FrameType) String() string {
	switch t {
	case FrameEnvelope:
		return "envelope"
	case FrameStream:
		return "stream"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Frame 是控制通道上的一条定界消息。
// 头部（大端）：magic u32 | version u8 | type u8 | flags u16 | crc32 u32 | length u32。
type Frame struct {
	Type  FrameType
	Flags uint16
	Body  []byte
}

// ErrFraming 表示字节流已失去帧边界，连接必须断开重建。
var ErrFraming = qerrors.New(qerrors.CodeBadRequest, "control channel framing lost")

// ErrChecksum 表示帧边界完好但内容损坏，该帧可以丢弃并继续读取。
var ErrChecksum = qerrors.New(qerrors.CodeBadRequest, "frame checksum mismatch")

// WriteFrame 写出一帧，头部与内容合并为一次 Write（并发写由调用方加锁）。
// 参数：
// - w: 目标
// - t: 帧类型
// - body: 帧内容
// 返回：
// - error: 写失败原因
func WriteFrame(w io.Writer, t FrameType, body []byte) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return qerrors.Wrap(qerrors.CodeTooLarge, "frame too large", fmt.Errorf("size=%d", len(body)))
	}
	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, t, body)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

func putHeader(hdr []byte, t FrameType, body []byte) {
	off := 0
	binary.BigEndian.PutUint32(hdr[off:], Magic)
	off += 4
	hdr[off] = Version
	off++
	hdr[off] = byte(t)
	off++
	binary.BigEndian.PutUint16(hdr[off:], 0)
	off += 2
	binary.BigEndian.PutUint32(hdr[off:], crc32.ChecksumIEEE(body))
	off += 4
	binary.BigEndian.PutUint32(hdr[off:], uint32(len(body)))
}

// ReadFrame 读取下一帧。
// 规则：
// - magic/version/长度越界 返回 ErrFraming（无法重新同步）
// - CRC 不匹配返回 ErrChecksum（帧已完整读出，可继续下一帧）
// 参数：
// - r: 读端（需保持同一个 bufio.Reader 以免丢失缓冲）
// - maxBody: 单帧内容上限（字节）
// 返回：
// - Frame: 帧
// - error: io.EOF / ErrFraming / ErrChecksum / 其它读错误
func ReadFrame(r *bufio.Reader, maxBody int) (Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	off := 0
	if binary.BigEndian.Uint32(hdr[off:]) != Magic {
		return Frame{}, framingErr("invalid magic")
	}
	off += 4
	if hdr[off] != Version {
		return Frame{}, framingErr(fmt.Sprintf("unsupported version: %d", hdr[off]))
	}
	off++
	typ := FrameType(hdr[off])
	off++
	flags := binary.BigEndian.Uint16(hdr[off:])
	off += 2
	sum := binary.BigEndian.Uint32(hdr[off:])
	off += 4
	n := binary.BigEndian.Uint32(hdr[off:])
	if maxBody > 0 && uint64(n) > uint64(maxBody) {
		return Frame{}, qerrors.Wrap(qerrors.CodeTooLarge, "frame exceeds max_frame_bytes", fmt.Errorf("size=%d max=%d", n, maxBody))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	f := Frame{Type: typ, Flags: flags, Body: body}
	if crc32.ChecksumIEEE(body) != sum {
		return f, ErrChecksum
	}
	return f, nil
}

func framingErr(detail string) error {
	return qerrors.Mark(ErrFraming, errors.New(detail))
}

// IsFramingError 判断错误是否意味着连接应当断开（帧边界丢失或长度越界）。
func IsFramingError(err error) bool {
	return errors.Is(err, ErrFraming) || qerrors.Code(err) == qerrors.CodeTooLarge
}
