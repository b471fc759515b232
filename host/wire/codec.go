package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	qerrors "qchat/host/errors"
	"qchat/host/status"
)

// StreamHeaderSize 是 stream 帧内容（以及桥接二进制帧）前缀的长度：
// gen u64 | width u32 | height u32 | channels u8 | reserved [3]byte。
const StreamHeaderSize = 8 + 4 + 4 + 1 + 3

// MaxStreamDimension 是单边像素数上限；在它之内宽×高×通道数不会溢出。
const MaxStreamDimension = 1 << 16

var (
	ErrMalformed   = qerrors.New(qerrors.CodeBadRequest, "malformed control event")
	ErrUnknownKind = qerrors.New(qerrors.CodeBadRequest, "unknown message type")
)

type envelope struct {
	Type    Kind            `json:"type"`
	Gen     uint64          `json:"gen,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func malformed(kind Kind, detail string) error {
	return qerrors.Mark(ErrMalformed, fmt.Errorf("%s: %s", kind, detail))
}

// IsMalformed 判断错误是否为可丢弃的单条坏事件（通道继续工作）。
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrChecksum)
}

// ValidateStream 校验像素长度与尺寸、通道数一致。
// 参数：
// - s: 待校验帧
// 返回：
// - error: 尺寸非法（含超过 MaxStreamDimension）、通道数不支持或长度不匹配时返回 ErrMalformed
func ValidateStream(s Stream) error {
	if s.Width <= 0 || s.Height <= 0 || s.Width > MaxStreamDimension || s.Height > MaxStreamDimension {
		return malformed(KindStream, fmt.Sprintf("invalid size %dx%d", s.Width, s.Height))
	}
	c := s.EffectiveChannels()
	if c != 1 && c != 3 && c != 4 {
		return malformed(KindStream, fmt.Sprintf("unsupported channels %d", s.Channels))
	}
	want := uint64(s.Width) * uint64(s.Height) * uint64(c)
	if uint64(len(s.Frame)) != want {
		return malformed(KindStream, fmt.Sprintf("frame length %d want %d", len(s.Frame), want))
	}
	return nil
}

// AppendStream 追加 stream 前缀与像素。
func AppendStream(dst []byte, gen uint64, s Stream) []byte {
	var hdr [StreamHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:], gen)
	binary.BigEndian.PutUint32(hdr[8:], uint32(s.Width))
	binary.BigEndian.PutUint32(hdr[12:], uint32(s.Height))
	hdr[16] = byte(s.Channels)
	dst = append(dst, hdr[:]...)
	return append(dst, s.Frame...)
}

// DecodeStream 解码 stream 内容并校验。
// 返回的 Frame 与 body 共享底层数组。
func DecodeStream(body []byte) (Stream, uint64, error) {
	if len(body) < StreamHeaderSize {
		return Stream{}, 0, malformed(KindStream, fmt.Sprintf("short header: %d", len(body)))
	}
	gen := binary.BigEndian.Uint64(body[0:])
	w := binary.BigEndian.Uint32(body[8:])
	h := binary.BigEndian.Uint32(body[12:])
	s := Stream{
		Frame:    body[StreamHeaderSize:],
		Width:    int(w),
		Height:   int(h),
		Channels: int(body[16]),
	}
	if err := ValidateStream(s); err != nil {
		return Stream{}, gen, err
	}
	return s, gen, nil
}

// DecodeFrame 把一帧解码为入站事件。
// 规则：
// - 必填字段缺失、类型错误或 stream 长度不符返回 ErrMalformed
// - 未知 type 返回 ErrUnknownKind
// 参数：
// - f: ReadFrame 返回的帧
// 返回：
// - Inbound: 事件、代数、payload 字节数
// - error: 解码失败原因
func DecodeFrame(f Frame) (Inbound, error) {
	switch f.Type {
	case FrameStream:
		s, gen, err := DecodeStream(f.Body)
		if err != nil {
			return Inbound{Gen: gen, Size: len(f.Body)}, err
		}
		return Inbound{Event: s, Gen: gen, Size: len(f.Body)}, nil
	case FrameEnvelope:
		var env envelope
		if err := json.Unmarshal(f.Body, &env); err != nil {
			return Inbound{Size: len(f.Body)}, malformed("envelope", err.Error())
		}
		ev, err := decodeEvent(env)
		return Inbound{Event: ev, Gen: env.Gen, Size: len(f.Body)}, err
	default:
		return Inbound{Size: len(f.Body)}, qerrors.Mark(ErrUnknownKind, fmt.Errorf("frame type %s", f.Type))
	}
}

func decodeEvent(env envelope) (Event, error) {
	switch env.Type {
	case KindSelfID, KindRoomID:
		var p struct {
			ID *string `json:"id"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ID == nil || strings.TrimSpace(*p.ID) == "" {
			return nil, malformed(env.Type, "missing id")
		}
		if env.Type == KindSelfID {
			return SelfID{ID: *p.ID}, nil
		}
		return RoomID{ID: *p.ID}, nil
	case KindReady:
		return Ready{}, nil
	case KindMessage:
		var p struct {
			Text      *string `json:"text"`
			SenderID  *string `json:"sender_id"`
			Timestamp *int64  `json:"timestamp"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Text == nil || p.SenderID == nil || p.Timestamp == nil {
			return nil, malformed(env.Type, "missing text, sender_id or timestamp")
		}
		return Message{Text: *p.Text, SenderID: *p.SenderID, Timestamp: *p.Timestamp}, nil
	case KindStream:
		var s Stream
		if err := unmarshalPayload(env, &s); err != nil {
			return nil, err
		}
		if err := ValidateStream(s); err != nil {
			return nil, err
		}
		return s, nil
	case KindStatus:
		var p struct {
			Status *string `json:"status"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Status == nil {
			return nil, malformed(env.Type, "missing status")
		}
		st, err := status.ParseSecurityStatus(*p.Status)
		if err != nil || st == status.SecurityDisconnected {
			return nil, malformed(env.Type, fmt.Sprintf("invalid status %q", *p.Status))
		}
		return Status{Status: st}, nil
	default:
		return nil, qerrors.Mark(ErrUnknownKind, fmt.Errorf("type %q", env.Type))
	}
}

func unmarshalPayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		return malformed(env.Type, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return malformed(env.Type, err.Error())
	}
	return nil
}

// EncodeCommand 把命令编码为 envelope 帧内容。
func EncodeCommand(c Command, gen uint64) ([]byte, error) {
	return encodeEnvelope(c.Kind(), gen, c)
}

// DecodeCommand 解码宿主发出的命令帧（伴随进程一侧使用）。
func DecodeCommand(f Frame) (Outbound, error) {
	if f.Type != FrameEnvelope {
		return Outbound{}, qerrors.Mark(ErrUnknownKind, fmt.Errorf("frame type %s", f.Type))
	}
	var env envelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return Outbound{}, malformed("envelope", err.Error())
	}
	out := Outbound{Gen: env.Gen}
	switch env.Type {
	case KindJoinRoom:
		var p JoinRoom
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return out, malformed(env.Type, err.Error())
			}
		}
		out.Command = p
	case KindLeaveRoom:
		out.Command = LeaveRoom{}
	case KindSetPeerID:
		var p struct {
			PeerID *string `json:"peer_id"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return out, err
		}
		if p.PeerID == nil {
			return out, malformed(env.Type, "missing peer_id")
		}
		out.Command = SetPeerID{PeerID: *p.PeerID}
	default:
		return out, qerrors.Mark(ErrUnknownKind, fmt.Errorf("type %q", env.Type))
	}
	return out, nil
}

// EncodeEvent 把事件编码为帧（stream 使用二进制帧，其余为 envelope）。
func EncodeEvent(ev Event, gen uint64) (FrameType, []byte, error) {
	if s, ok := ev.(Stream); ok {
		if err := ValidateStream(s); err != nil {
			return 0, nil, err
		}
		return FrameStream, AppendStream(make([]byte, 0, StreamHeaderSize+len(s.Frame)), gen, s), nil
	}
	body, err := encodeEnvelope(ev.Kind(), gen, ev)
	return FrameEnvelope, body, err
}

func encodeEnvelope(kind Kind, gen uint64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: kind, Gen: gen, Payload: raw})
}

// WriteEvent 编码并写出一个事件。
func WriteEvent(w io.Writer, ev Event, gen uint64) error {
	t, body, err := EncodeEvent(ev, gen)
	if err != nil {
		return err
	}
	return WriteFrame(w, t, body)
}

// WriteCommand 编码并写出一个命令。
func WriteCommand(w io.Writer, c Command, gen uint64) error {
	body, err := EncodeCommand(c, gen)
	if err != nil {
		return err
	}
	return WriteFrame(w, FrameEnvelope, body)
}

// Reader 按帧读取并解码入站事件。
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader 创建事件读取器。
// 参数：
// - r: 连接
// - maxBody: 单帧上限（字节，<=0 表示不限制）
func NewReader(r io.Reader, maxBody int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: maxBody}
}

// Next 返回下一条事件。
// 返回的错误满足 IsMalformed 时调用方应丢弃该条并继续；IsFramingError 或读错误时应断开。
func (r *Reader) Next() (Inbound, error) {
	f, err := ReadFrame(r.br, r.max)
	if err != nil {
		return Inbound{Size: len(f.Body)}, err
	}
	return DecodeFrame(f)
}

// NextCommand 返回下一条命令（伴随进程一侧使用）。
func (r *Reader) NextCommand() (Outbound, error) {
	f, err := ReadFrame(r.br, r.max)
	if err != nil {
		return Outbound{}, err
	}
	return DecodeCommand(f)
}
