package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"bidding-kb-go/internal/model"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// Image 是一张落盘后的图片。
type Image struct {
	Ordinal int
	Format  string
	Width   int
	Height  int
	Size    int64
	Path    string
	SHA256  string
}

type rawImage struct {
	data   []byte
	format string
	width  int
	height int
}

// ImageDir 返回某个文件的图片目录 <images>/<YYYY>/<file_id>。
func ImageDir(imagesRoot string, year int, fileID string) string {
	return filepath.Join(imagesRoot, strconv.Itoa(year), fileID)
}

// ExtractImages 提取内嵌图片，同一文件内按 SHA-256 去重后写入 <images>/<YYYY>/<file_id>/<ordinal>.<ext>。
func (e *Extractor) ExtractImages(ctx context.Context, filePath string, kind model.FileKind, fileID string, year int) ([]Image, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var raws []rawImage
	switch {
	case kind == model.KindPDF:
		raws, err = pdfImages(filePath)
	case kind == model.KindOffice && strings.EqualFold(filepath.Ext(filePath), ".docx"):
		raws, err = docxImages(filePath)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}

	dir := ImageDir(e.imagesDir, year, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Path: dir, Err: err}
	}

	seen := make(map[string]bool, len(raws))
	images := make([]Image, 0, len(raws))
	for _, raw := range raws {
		sum := sha256.Sum256(raw.data)
		digest := hex.EncodeToString(sum[:])
		if seen[digest] {
			continue
		}
		seen[digest] = true

		img := Image{
			Ordinal: len(images) + 1,
			Format:  raw.format,
			Width:   raw.width,
			Height:  raw.height,
			Size:    int64(len(raw.data)),
			SHA256:  digest,
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw.data)); err == nil {
			img.Width, img.Height = cfg.Width, cfg.Height
		}
		img.Path = filepath.Join(dir, fmt.Sprintf("%d.%s", img.Ordinal, img.Format))
		if err := os.WriteFile(img.Path, raw.data, 0o644); err != nil {
			return nil, &IOError{Path: img.Path, Err: err}
		}
		images = append(images, img)
	}
	return images, nil
}

// docxImages 读取 word/media/ 下的二进制部件，按名称排序。
func docxImages(filePath string) ([]rawImage, error) {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, &ParseError{Path: filePath, Err: fmt.Errorf("open zip: %w", err)}
	}
	defer r.Close()

	var media []*zip.File
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "word/media/") && !f.FileInfo().IsDir() {
			media = append(media, f)
		}
	}
	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })

	out := make([]rawImage, 0, len(media))
	for _, f := range media {
		rc, err := f.Open()
		if err != nil {
			return nil, &ParseError{Path: filePath, Err: fmt.Errorf("open %s: %w", f.Name, err)}
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, &ParseError{Path: filePath, Err: fmt.Errorf("read %s: %w", f.Name, err)}
		}
		out = append(out, rawImage{data: data, format: normalizeImageFormat(path.Ext(f.Name))})
	}
	return out, nil
}

// pdfImages 逐页遍历图像 XObject，页内按对象号排序。
func pdfImages(filePath string) ([]rawImage, error) {
	ctx, err := openPDF(filePath)
	if err != nil {
		return nil, err
	}
	var out []rawImage
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		imgs, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
		if err != nil {
			return nil, &ParseError{Path: filePath, Err: fmt.Errorf("page %d images: %w", pageNr, err)}
		}
		objNrs := make([]int, 0, len(imgs))
		for objNr := range imgs {
			objNrs = append(objNrs, objNr)
		}
		sort.Ints(objNrs)
		for _, objNr := range objNrs {
			img := imgs[objNr]
			if img.Reader == nil {
				continue
			}
			data, err := io.ReadAll(img)
			if err != nil {
				return nil, &ParseError{Path: filePath, Err: fmt.Errorf("page %d image %d: %w", pageNr, objNr, err)}
			}
			out = append(out, rawImage{
				data:   data,
				format: normalizeImageFormat(img.FileType),
				width:  img.Width,
				height: img.Height,
			})
		}
	}
	return out, nil
}

func normalizeImageFormat(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	case "":
		return "bin"
	}
	return ext
}
