// =============================================================================
// 文件: internal/protocol/packet.go
// 描述: uTP 包编解码 (20 字节固定头部 + 可选载荷)
// =============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType 包类型 (头部第 0 字节高 4 位)
type PacketType uint8

const (
	TypeData  PacketType = 0 // 数据
	TypeFin   PacketType = 1 // 优雅关闭
	TypeState PacketType = 2 // 纯确认
	TypeReset PacketType = 3 // 强制终止
	TypeSyn   PacketType = 4 // 握手发起
)

const (
	// Version 协议版本 (头部第 0 字节低 4 位)
	Version = 1

	// HeaderSize 固定头部长度
	HeaderSize = 20

	// DefaultWindow 通告窗口，固定常量，不参与流控
	DefaultWindow uint32 = 262144
)

// 错误定义
var (
	ErrShortPacket    = errors.New("数据包太短")
	ErrBadVersion     = errors.New("协议版本不支持")
	ErrUnknownType    = errors.New("未知包类型")
	ErrBufferTooSmall = errors.New("编码缓冲区不足")
)

// String 类型名称
func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid 是否为已定义的包类型
func (t PacketType) Valid() bool {
	return t <= TypeSyn
}

// Packet uTP 数据包
type Packet struct {
	Type          PacketType
	ConnectionID  uint16 // 接收方的连接 ID
	Timestamp     uint32 // 发送方时钟 (微秒，32 位回绕)
	TimestampDiff uint32 // 保留，恒为 0
	Window        uint32
	Seq           uint16
	Ack           uint16
	Payload       []byte // STATE/SYN/RESET/空 FIN 为 nil
}

// Size 编码后长度
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// Encode 编码数据包
func (p *Packet) Encode() []byte {
	buf := make([]byte, p.Size())
	p.encodeHeader(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// EncodeTo 编码到调用方提供的缓冲区，返回写入长度
func (p *Packet) EncodeTo(dst []byte) (int, error) {
	n := p.Size()
	if len(dst) < n {
		return 0, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(dst), n)
	}
	p.encodeHeader(dst)
	copy(dst[HeaderSize:n], p.Payload)
	return n, nil
}

func (p *Packet) encodeHeader(buf []byte) {
	buf[0] = byte(p.Type)<<4 | Version
	buf[1] = 0 // 不支持扩展链
	binary.BigEndian.PutUint16(buf[2:4], p.ConnectionID)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.TimestampDiff)
	binary.BigEndian.PutUint32(buf[12:16], p.Window)
	binary.BigEndian.PutUint16(buf[16:18], p.Seq)
	binary.BigEndian.PutUint16(buf[18:20], p.Ack)
}

// Decode 解码数据包
// 载荷总是拷贝出来，调用方可以复用 data
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortPacket, len(data), HeaderSize)
	}
	if v := data[0] & 0x0F; v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	typ := PacketType(data[0] >> 4)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(typ))
	}

	p := &Packet{
		Type:          typ,
		ConnectionID:  binary.BigEndian.Uint16(data[2:4]),
		Timestamp:     binary.BigEndian.Uint32(data[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(data[8:12]),
		Window:        binary.BigEndian.Uint32(data[12:16]),
		Seq:           binary.BigEndian.Uint16(data[16:18]),
		Ack:           binary.BigEndian.Uint16(data[18:20]),
	}

	if len(data) > HeaderSize {
		p.Payload = make([]byte, len(data)-HeaderSize)
		copy(p.Payload, data[HeaderSize:])
	}

	return p, nil
}
