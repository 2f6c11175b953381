package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(New(KindValidation, "格式不对")))
	assert.Equal(t, KindDecode, KindOf(Wrap(KindDecode, errors.New("eof"), "解码失败")))

	// 非本包错误归为内部错误
	assert.Equal(t, KindInternal, KindOf(errors.New("随便什么错误")))
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(KindCapacity, "已满")
	outer := fmt.Errorf("提交失败: %w", inner)

	assert.Equal(t, KindCapacity, KindOf(outer))
	assert.True(t, IsKind(outer, KindCapacity))
	assert.False(t, IsKind(outer, KindValidation))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("磁盘满了")
	err := Wrap(KindInternal, cause, "写入失败")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "写入失败")
	assert.Contains(t, err.Error(), "磁盘满了")
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindCapacity, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{KindDecode, http.StatusUnprocessableEntity},
		{KindPreprocess, http.StatusUnprocessableEntity},
		{KindInference, http.StatusInternalServerError},
		{KindTimeout, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(New(c.kind, "x")), string(c.kind))
	}

	// 普通错误走默认分支
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
