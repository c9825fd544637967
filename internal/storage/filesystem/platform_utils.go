package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// maxSegmentLen 单个路径段的最大字节数
const maxSegmentLen = 200

// sanitizeSegment 把邮箱地址或 Message-ID 变成可落盘的单个路径段
func sanitizeSegment(s string) string {
	s = strings.Trim(s, "<> ")
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(reservedChars(), r):
			return '_'
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "..", "_")
	if len(s) > maxSegmentLen {
		s = s[:maxSegmentLen]
	}
	s = strings.Trim(s, " .")
	if s == "" {
		return "unnamed"
	}
	return s
}

// reservedChars Windows 额外禁止的字符
func reservedChars() string {
	if runtime.GOOS == "windows" {
		return `<>:"|?*\/`
	}
	return `\/`
}

// checkPath 拒绝过长或带上级目录引用的路径
func checkPath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// absPath 转为绝对路径，失败时原样返回
func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
