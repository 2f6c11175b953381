package utils

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"sherlock/app/config"
	"sherlock/app/errs"
)

// FileValidator 上传文件校验器：检查文件名、扩展名、大小和内容类型
type FileValidator struct {
	allowedExtensions map[string]bool
	maxFileSize       int64
}

// NewFileValidator 创建上传文件校验器
func NewFileValidator(cfg config.UploadConfig) *FileValidator {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &FileValidator{
		allowedExtensions: allowed,
		maxFileSize:       cfg.MaxFileSize,
	}
}

// ValidateUpload 校验上传的视频文件，不合法时返回 KindValidation 错误
func (v *FileValidator) ValidateUpload(fh *multipart.FileHeader) error {
	if fh == nil || fh.Filename == "" {
		return errs.New(errs.KindValidation, "未提供文件名")
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !v.allowedExtensions[ext] {
		return errs.Newf(errs.KindValidation, "不支持的文件格式: %s", ext)
	}

	if fh.Size <= 0 {
		return errs.New(errs.KindValidation, "文件为空")
	}
	if fh.Size > v.maxFileSize {
		return errs.Newf(errs.KindValidation, "文件大小 %s 超过上限 %s",
			formatSize(fh.Size), formatSize(v.maxFileSize))
	}

	return v.sniffContent(fh)
}

// sniffContent 读取文件头并探测内容类型，拦截明显不是视频的内容
func (v *FileValidator) sniffContent(fh *multipart.FileHeader) error {
	file, err := fh.Open()
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "无法读取上传文件")
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := file.Read(head)
	contentType := http.DetectContentType(head[:n])

	// 多数视频容器被识别为 video/* 或 application/octet-stream
	if strings.HasPrefix(contentType, "video/") ||
		contentType == "application/octet-stream" {
		return nil
	}
	return errs.Newf(errs.KindValidation, "文件内容不是视频: %s", contentType)
}

// formatSize 格式化字节数为可读形式
func formatSize(size int64) string {
	const mb = 1024 * 1024
	if size >= mb {
		return fmt.Sprintf("%.1fMB", float64(size)/float64(mb))
	}
	return fmt.Sprintf("%dB", size)
}
