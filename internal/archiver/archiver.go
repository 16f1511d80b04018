// Package archiver 把临时文件写入按 年/月/分类 分区的归档目录。
package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/pkg/log"

	"github.com/google/uuid"
)

// ErrInvariantViolation 表示目标路径上存在内容不同的文件。
// 语义文件名带内容哈希后缀，正常情况下不可能出现。
var ErrInvariantViolation = errors.New("archive invariant violated")

// Mirror 是归档文件的可选远端副本。
type Mirror interface {
	PutFile(ctx context.Context, objectName, filePath string) error
}

type Archiver struct {
	root   string
	mirror Mirror
}

// New 创建归档器，mirror 可以为 nil。
func New(root string, mirror Mirror) *Archiver {
	return &Archiver{root: root, mirror: mirror}
}

// Request 描述一次归档。
type Request struct {
	FileID       string
	TempPath     string
	ContentHash  string
	UploadedAt   time.Time
	Category     model.Category
	SemanticName string
}

// Outcome 是归档结果。Adopted 表示目标已存在且内容一致。
type Outcome struct {
	Path    string
	Adopted bool
}

// TargetPath 返回 <root>/<YYYY>/<MM>/<category>/<semantic-name>，使用上传时间而不是当前时间。
func (a *Archiver) TargetPath(uploadedAt time.Time, category model.Category, semanticName string) string {
	return filepath.Join(a.root, uploadedAt.Format("2006"), uploadedAt.Format("01"), string(category), semanticName)
}

// ObjectName 返回归档路径在对象存储中的键，路径不在归档根目录下时返回 false。
func (a *Archiver) ObjectName(archivePath string) (string, bool) {
	rel, err := filepath.Rel(a.root, archivePath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path.Join("archive", filepath.ToSlash(rel)), true
}

// Archive 把临时文件复制到目标路径。目标已存在时比较内容哈希：一致则直接采用，不一致返回 ErrInvariantViolation。
// 临时文件不会被删除。
func (a *Archiver) Archive(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	target := a.TargetPath(req.UploadedAt, req.Category, req.SemanticName)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create archive dir: %w", err)
	}

	out := Outcome{Path: target}
	switch _, err := os.Stat(target); {
	case err == nil:
		existing, err := FileSHA256(target)
		if err != nil {
			return Outcome{}, fmt.Errorf("hash existing archive file: %w", err)
		}
		if !strings.EqualFold(existing, req.ContentHash) {
			return Outcome{}, fmt.Errorf("%w: %s exists with hash %s, expected %s", ErrInvariantViolation, target, existing, req.ContentHash)
		}
		out.Adopted = true
		log.Infof("[Archiver] 归档文件已存在且内容一致，直接采用, file_id: %s, path: %s", req.FileID, target)
	case errors.Is(err, os.ErrNotExist):
		if err := copyDurable(req.TempPath, target); err != nil {
			return Outcome{}, err
		}
		log.Infof("[Archiver] 归档完成, file_id: %s, path: %s", req.FileID, target)
	default:
		return Outcome{}, fmt.Errorf("stat archive target: %w", err)
	}

	a.mirrorFile(ctx, req.FileID, target)
	return out, nil
}

func (a *Archiver) mirrorFile(ctx context.Context, fileID, target string) {
	if a.mirror == nil {
		return
	}
	objectName, ok := a.ObjectName(target)
	if !ok {
		return
	}
	if err := a.mirror.PutFile(ctx, objectName, target); err != nil {
		log.Warnf("[Archiver] 镜像到对象存储失败（不影响归档）, file_id: %s, object: %s, error: %v", fileID, objectName, err)
	}
}

// copyDurable 先写同目录下的临时文件并 fsync，再 rename 到目标，最后 fsync 目录。
func copyDurable(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".part-"+uuid.NewString())
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create archive temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to archive: %w", err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("fsync archive file: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename archive file: %w", err)
	}
	return syncDir(filepath.Dir(dst))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open archive dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync archive dir: %w", err)
	}
	return nil
}

// FileSHA256 计算文件内容的 SHA-256 十六进制值。
func FileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
