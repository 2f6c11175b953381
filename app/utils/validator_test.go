package utils

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"sherlock/app/config"
	"sherlock/app/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *FileValidator {
	return NewFileValidator(config.UploadConfig{
		MaxFileSize:       1024,
		AllowedExtensions: []string{".mp4", ".avi", ".MOV"},
	})
}

// makeFileHeader 用 multipart 请求构造真实的 FileHeader
func makeFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(4096))

	return req.MultipartForm.File["file"][0]
}

// binaryContent 无法被嗅探成文本的内容
func binaryContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i % 251)
	}
	content[0] = 0x00
	return content
}

func TestValidateUploadOK(t *testing.T) {
	v := newTestValidator()

	fh := makeFileHeader(t, "video.mp4", binaryContent(100))
	assert.NoError(t, v.ValidateUpload(fh))

	// 扩展名大小写不敏感
	fh = makeFileHeader(t, "clip.MP4", binaryContent(100))
	assert.NoError(t, v.ValidateUpload(fh))
	fh = makeFileHeader(t, "clip.mov", binaryContent(100))
	assert.NoError(t, v.ValidateUpload(fh))
}

func TestValidateUploadBadExtension(t *testing.T) {
	v := newTestValidator()

	for _, name := range []string{"doc.txt", "archive.zip", "noext"} {
		fh := makeFileHeader(t, name, binaryContent(100))
		err := v.ValidateUpload(fh)
		require.Error(t, err, name)
		assert.True(t, errs.IsKind(err, errs.KindValidation))
	}
}

func TestValidateUploadTooLarge(t *testing.T) {
	v := newTestValidator()

	fh := makeFileHeader(t, "big.mp4", binaryContent(2048))
	err := v.ValidateUpload(fh)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestValidateUploadEmpty(t *testing.T) {
	v := newTestValidator()

	fh := makeFileHeader(t, "empty.mp4", nil)
	err := v.ValidateUpload(fh)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	err = v.ValidateUpload(nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestValidateUploadTextContent(t *testing.T) {
	v := newTestValidator()

	// 扩展名合法但内容是纯文本，被内容嗅探拦截
	fh := makeFileHeader(t, "fake.mp4", []byte("这只是一段改了扩展名的文本"))
	err := v.ValidateUpload(fh)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512B", formatSize(512))
	assert.Equal(t, "1.0MB", formatSize(1024*1024))
	assert.Equal(t, "100.0MB", formatSize(100*1024*1024))
}
