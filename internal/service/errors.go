package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 规范化结果校验失败
	ErrValidation = errors.New("canonical payload validation failed")
	// ErrUpstreamFetch 邮箱提供方不可达或拉取失败
	ErrUpstreamFetch = errors.New("upstream mailbox fetch failed")
	// ErrPersistence 存储读写失败
	ErrPersistence = errors.New("persistence failed")
	// ErrClaimConflict 消息已被其他实例认领，不是错误，调用方静默跳过
	ErrClaimConflict = errors.New("message claimed by another runner")
	// ErrMailboxUnavailable 无法为账户建立邮箱连接
	ErrMailboxUnavailable = errors.New("mailbox client unavailable")
)

// Stage 入库流水线阶段
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageValidate Stage = "validate"
	StagePersist  Stage = "persist"
)

// IngestError 带阶段信息的入库错误，errors.Is 可匹配对应的哨兵错误
type IngestError struct {
	Stage Stage
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// Is 把阶段映射到哨兵错误
func (e *IngestError) Is(target error) bool {
	switch e.Stage {
	case StageFetch:
		return target == ErrUpstreamFetch
	case StageValidate:
		return target == ErrValidation
	case StagePersist:
		return target == ErrPersistence
	}
	return false
}

func stageError(stage Stage, format string, args ...interface{}) *IngestError {
	return &IngestError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// StageOf 返回错误所在阶段，非入库错误返回空串
func StageOf(err error) Stage {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Stage
	}
	return ""
}
