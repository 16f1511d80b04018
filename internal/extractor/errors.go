package extractor

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrUnsupportedKind 表示扩展名不在支持范围内。
var ErrUnsupportedKind = errors.New("unsupported file kind")

// ParseError 表示解码器拒绝了文件，整份提取作废。
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IOError 表示磁盘读写失败。
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsParseError 判断错误链中是否包含 ParseError。
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsIOError 判断错误链中是否包含 IOError。
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
