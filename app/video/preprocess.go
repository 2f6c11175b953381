package video

import (
	"sherlock/app/config"
	"sherlock/app/errs"

	"github.com/disintegration/imaging"
)

// Transform 单个模型的帧预处理配置。
// 纯函数式变换：相同输入和配置产生逐位一致的张量。
type Transform struct {
	Size int        // 目标边长（正方形）
	Mean [3]float32 // 各通道均值
	Std  [3]float32 // 各通道标准差
}

// TransformFor 根据模型配置构造预处理变换
func TransformFor(cfg config.ModelConfig) Transform {
	t := Transform{Size: cfg.InputSize}
	if cfg.Preprocessing == "imagenet" {
		// ImageNet 标准归一化
		t.Mean = [3]float32{0.485, 0.456, 0.406}
		t.Std = [3]float32{0.229, 0.224, 0.225}
	} else {
		// 归一化到 [-1, 1]
		t.Mean = [3]float32{0.5, 0.5, 0.5}
		t.Std = [3]float32{0.5, 0.5, 0.5}
	}
	return t
}

// TensorLen 输出张量的长度（CHW 布局）
func (t Transform) TensorLen() int {
	return 3 * t.Size * t.Size
}

// Apply 将帧转换为模型输入张量：缩放到目标尺寸、RGB 通道、
// 像素归一化后按 CHW 排列。
func (t Transform) Apply(frame *Frame) ([]float32, error) {
	if frame == nil || frame.Image == nil {
		return nil, errs.New(errs.KindPreprocess, "帧像素数据为空")
	}
	bounds := frame.Image.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errs.Newf(errs.KindPreprocess, "第 %d 帧尺寸为空", frame.Index)
	}

	// Lanczos 重采样是确定性的，保证相同输入产生相同张量
	resized := imaging.Resize(frame.Image, t.Size, t.Size, imaging.Lanczos)

	tensor := make([]float32, t.TensorLen())
	plane := t.Size * t.Size
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			offset := resized.PixOffset(x, y)
			pos := y*t.Size + x
			// NRGBA 像素依次为 R、G、B、A
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[offset+c]) / 255.0
				tensor[c*plane+pos] = (v - t.Mean[c]) / t.Std[c]
			}
		}
	}
	return tensor, nil
}
