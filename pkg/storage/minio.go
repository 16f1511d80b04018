// Package storage 提供了与对象存储服务（如 MinIO）交互的功能，用于镜像归档文件。
package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror 把归档文件镜像到 MinIO 存储桶。
type Mirror struct {
	client *minio.Client
	bucket string
}

// NewMirror 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMirror(ctx context.Context, cfg config.MinIOConfig) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return &Mirror{client: client, bucket: cfg.BucketName}, nil
}

// PutFile 上传本地文件，对象名相同则覆盖。
func (m *Mirror) PutFile(ctx context.Context, objectName, filePath string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, objectName, filePath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// PresignedURL 生成对象的临时下载链接，下载时使用 downloadName 作为文件名。
func (m *Mirror) PresignedURL(ctx context.Context, objectName, downloadName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(downloadName)))
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, expiry, params)
	if err != nil {
		log.Errorf("[Storage] 生成预签名链接失败: %v", err)
		return "", err
	}
	return u.String(), nil
}
