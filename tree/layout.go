// Created by Yanjunhui

// Package tree 实现基于世代（generation）的持久化 B+Tree 及其一致性检查器。
package tree

import (
	"bytes"
	"encoding/binary"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Layout 键值编解码插件
// 提供定长键值的大小、序列化和比较器；树本身不关心键的含义。
type Layout interface {
	// KeySize 键的字节数（定长）
	KeySize() int
	// ValueSize 值的字节数（定长）
	ValueSize() int
	// Compare 比较两个已序列化的键
	Compare(a, b []byte) int
	// Name 布局名称（用于诊断输出）
	Name() string
	// ID 布局标识（持久化在状态页中，防止用错误的布局打开树）
	ID() uint32
}

// Int64Layout 8 字节有符号整数键 + 8 字节值
type Int64Layout struct{}

// KeySize 键的字节数
func (Int64Layout) KeySize() int { return 8 }

// ValueSize 值的字节数
func (Int64Layout) ValueSize() int { return 8 }

// Compare 按解码后的 int64 比较
func (Int64Layout) Compare(a, b []byte) int {
	x := int64(binary.LittleEndian.Uint64(a))
	y := int64(binary.LittleEndian.Uint64(b))
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// Name 布局名称
func (Int64Layout) Name() string { return "int64" }

// ID 布局标识
func (Int64Layout) ID() uint32 { return 0x494E5438 } // "INT8"

// EncodeInt64Key 序列化 int64 键
func EncodeInt64Key(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// DecodeInt64Key 反序列化 int64 键
func DecodeInt64Key(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

// ObjectIDLayout 12 字节 ObjectID 键 + 8 字节值
// ObjectID 的字节序即其排序序，直接按字节比较。
type ObjectIDLayout struct{}

// KeySize 键的字节数
func (ObjectIDLayout) KeySize() int { return 12 }

// ValueSize 值的字节数
func (ObjectIDLayout) ValueSize() int { return 8 }

// Compare 按字节序比较
func (ObjectIDLayout) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Name 布局名称
func (ObjectIDLayout) Name() string { return "objectid" }

// ID 布局标识
func (ObjectIDLayout) ID() uint32 { return 0x4F494431 } // "OID1"

// EncodeObjectIDKey 序列化 ObjectID 键
func EncodeObjectIDKey(oid primitive.ObjectID) []byte {
	buf := make([]byte, 12)
	copy(buf, oid[:])
	return buf
}

// DecodeObjectIDKey 反序列化 ObjectID 键
func DecodeObjectIDKey(buf []byte) primitive.ObjectID {
	var oid primitive.ObjectID
	copy(oid[:], buf)
	return oid
}
