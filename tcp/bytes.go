package tcp

import "unsafe"

// unsafeBytes 零拷贝地把 s 视为只读字节切片。
func unsafeBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
