package protocol

import (
	"strings"
)

type field struct {
	name  string
	value string
}

// Header 是保持插入顺序的 HTTP 头列表，名字比较不区分大小写。
// 同名多值按出现顺序保存。零值可直接使用。
type Header struct {
	fields []field
}

func (h *Header) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return i
		}
	}
	return -1
}

// Get 返回第一个同名头的值。
func (h *Header) Get(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value
	}
	return ""
}

// Lookup 与 Get 相同，但区分“不存在”与“空值”。
func (h *Header) Lookup(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value, true
	}
	return "", false
}

func (h *Header) Has(name string) bool { return h.index(name) >= 0 }

// Values 返回全部同名头的值。
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			out = append(out, f.value)
		}
	}
	return out
}

// Set 替换第一个同名头的值并删除其余同名头；不存在时追加到末尾。
func (h *Header) Set(name, value string) {
	i := h.index(name)
	if i < 0 {
		h.fields = append(h.fields, field{name: name, value: value})
		return
	}
	h.fields[i].value = value
	h.delFrom(name, i+1)
}

func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, field{name: name, value: value})
}

func (h *Header) Del(name string) { h.delFrom(name, 0) }

func (h *Header) delFrom(name string, start int) {
	out := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
		}
	}
	for i := len(out); i < len(h.fields); i++ {
		h.fields[i] = field{}
	}
	h.fields = out
}

func (h *Header) Len() int { return len(h.fields) }

func (h *Header) Reset() {
	for i := range h.fields {
		h.fields[i] = field{}
	}
	h.fields = h.fields[:0]
}

// VisitAll 按插入顺序遍历。
func (h *Header) VisitAll(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// HasToken 报告逗号分隔的头值中是否含有 token（不区分大小写），如 Connection: keep-alive, Upgrade。
func (h *Header) HasToken(name, token string) bool {
	for _, f := range h.fields {
		if !strings.EqualFold(f.name, name) {
			continue
		}
		for _, part := range strings.Split(f.value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (h *Header) Clone() Header {
	return Header{fields: append([]field(nil), h.fields...)}
}
