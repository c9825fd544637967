package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

// ErrRawPayloadNotFound 原始邮件归档不存在
var ErrRawPayloadNotFound = errors.New("raw email payload not found")

// Store 文件系统归档实现，目录结构:
// {base}/raw/{address}/{YYYY-MM-DD}/{messageID}.json
type Store struct {
	basePath string
}

var _ storage.RawPayloadStore = (*Store)(nil)

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	if err := checkPath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	base := absPath(basePath)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: base}, nil
}

// StoreRawEmailPayload 把原始邮件写成 JSON 并返回相对路径。
// 同一消息重复写入时覆盖原文件。
func (s *Store) StoreRawEmailPayload(ctx context.Context, payload *domain.RawEmailPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if payload == nil || payload.MessageID == "" {
		return "", fmt.Errorf("raw payload requires a message id")
	}

	file := s.payloadFile(payload.AccountAddress, payload.MessageID, payload.ReceivedAt)
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return "", fmt.Errorf("failed to create payload directory: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit payload: %w", err)
	}

	relPath, err := filepath.Rel(s.basePath, file)
	if err != nil {
		return file, nil
	}
	return relPath, nil
}

// GetRawEmailPayload 根据 StoreRawEmailPayload 返回的相对路径读取归档
func (s *Store) GetRawEmailPayload(relPath string) (*domain.RawEmailPayload, error) {
	if err := checkPath(relPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRawPayloadNotFound
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var payload domain.RawEmailPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}

// CleanupExpired 删除早于保留天数的日期目录，返回删除的文件数
func (s *Store) CleanupExpired(retentionDays int, now time.Time) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	rawPath := filepath.Join(s.basePath, "raw")

	accountDirs, err := os.ReadDir(rawPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, accountDir := range accountDirs {
		if !accountDir.IsDir() {
			continue
		}
		accountPath := filepath.Join(rawPath, accountDir.Name())

		dateDirs, err := os.ReadDir(accountPath)
		if err != nil {
			continue
		}
		for _, dateDir := range dateDirs {
			// 目录名为 YYYY-MM-DD，字典序即时间序
			if !dateDir.IsDir() || dateDir.Name() >= cutoff {
				continue
			}
			datePath := filepath.Join(accountPath, dateDir.Name())
			files, _ := os.ReadDir(datePath)
			if err := os.RemoveAll(datePath); err == nil {
				count += len(files)
			}
		}

		if entries, _ := os.ReadDir(accountPath); len(entries) == 0 {
			os.Remove(accountPath)
		}
	}
	return count, nil
}

// GetStorageStats 获取归档统计信息
func (s *Store) GetStorageStats() (map[string]interface{}, error) {
	var totalSize int64
	var payloadCount int

	err := filepath.Walk(filepath.Join(s.basePath, "raw"), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && filepath.Ext(path) == ".json" {
			totalSize += info.Size()
			payloadCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_size_bytes": totalSize,
		"total_size_mb":    float64(totalSize) / 1024 / 1024,
		"payload_count":    payloadCount,
		"base_path":        s.basePath,
	}, nil
}

func (s *Store) payloadFile(address, messageID string, receivedAt time.Time) string {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	account := sanitizeSegment(address)
	name := sanitizeSegment(messageID) + ".json"
	return filepath.Join(s.basePath, "raw", account, receivedAt.UTC().Format("2006-01-02"), name)
}
