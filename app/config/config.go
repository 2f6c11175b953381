package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Video     VideoConfig     `mapstructure:"video"`
	Detection DetectionConfig `mapstructure:"detection"`
	Task      TaskConfig      `mapstructure:"task"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port   string `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"` // 可选的静态 API 密钥，为空则不校验
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type UploadConfig struct {
	Dir               string   `mapstructure:"dir"`                // 上传文件保存目录
	MaxFileSize       int64    `mapstructure:"max_file_size"`      // 最大文件大小（字节）
	AllowedExtensions []string `mapstructure:"allowed_extensions"` // 允许的视频扩展名
}

type VideoConfig struct {
	FrameRate int    `mapstructure:"frame_rate"` // 每秒抽取的帧数
	MaxFrames int    `mapstructure:"max_frames"` // 单个视频的最大帧数
	TempDir   string `mapstructure:"temp_dir"`   // 抽帧临时目录
}

// ModelConfig 单个检测模型的配置
type ModelConfig struct {
	Type          string     `mapstructure:"type"`           // xception、mesonet 或 remote
	DisplayName   string     `mapstructure:"display_name"`   // 展示名称
	Description   string     `mapstructure:"description"`    // 描述
	WeightsFile   string     `mapstructure:"weights_file"`   // 权重文件名（本地模型）
	Endpoint      string     `mapstructure:"endpoint"`       // 推理服务地址（remote 模型）
	InputSize     int        `mapstructure:"input_size"`     // 输入边长（正方形）
	Preprocessing string     `mapstructure:"preprocessing"`  // imagenet 或 custom
	Threshold     float64    `mapstructure:"threshold"`      // 判定阈值
}

type DetectionConfig struct {
	ModelsDir         string                 `mapstructure:"models_dir"`          // 权重文件目录
	DefaultModel      string                 `mapstructure:"default_model"`       // 默认模型
	Models            map[string]ModelConfig `mapstructure:"models"`              // 可用模型表
	BatchSize         int                    `mapstructure:"batch_size"`          // 推理批大小
	FakeMajority      float64                `mapstructure:"fake_majority"`       // 判定为伪造的帧占比阈值（百分比）
	SuspiciousTopN    int                    `mapstructure:"suspicious_top_n"`    // 可疑帧返回数量上限
	MaxCorruptPercent float64                `mapstructure:"max_corrupt_percent"` // 预处理失败帧占比上限（百分比）
}

type TaskConfig struct {
	MaxConcurrent  int `mapstructure:"max_concurrent"`  // 非终态任务的并发上限
	Workers        int `mapstructure:"workers"`         // 后台处理协程数量
	TimeoutMinutes int `mapstructure:"timeout_minutes"` // 单任务处理超时（分钟）
	RetentionHours int `mapstructure:"retention_hours"` // 终态任务在内存中保留时长（小时）
}

type StorageConfig struct {
	DBPath        string `mapstructure:"db_path"`        // sqlite 数据库路径
	RetentionDays int    `mapstructure:"retention_days"` // 历史结果保留天数，0 表示永久保留
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.api_key", "")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// 上传默认配置
	viper.SetDefault("upload.dir", "data/uploads")
	viper.SetDefault("upload.max_file_size", 100*1024*1024) // 100MB
	viper.SetDefault("upload.allowed_extensions", []string{
		".mp4", ".avi", ".mov", ".mkv", ".flv", ".wmv", ".webm",
	})

	// 视频处理默认配置
	viper.SetDefault("video.frame_rate", 1)
	viper.SetDefault("video.max_frames", 300)
	viper.SetDefault("video.temp_dir", "data/temp")

	// 检测默认配置
	viper.SetDefault("detection.models_dir", "data/models")
	viper.SetDefault("detection.default_model", "xception")
	viper.SetDefault("detection.batch_size", 32)
	viper.SetDefault("detection.fake_majority", 50.0)
	viper.SetDefault("detection.suspicious_top_n", 5)
	viper.SetDefault("detection.max_corrupt_percent", 50.0)
	viper.SetDefault("detection.models", map[string]any{
		"xception": map[string]any{
			"type":          "xception",
			"display_name":  "XceptionNet",
			"description":   "高精度深度伪造检测模型",
			"weights_file":  "xception_deepfake_detector.json",
			"input_size":    224,
			"preprocessing": "imagenet",
			"threshold":     0.5,
		},
		"mesonet": map[string]any{
			"type":          "mesonet",
			"display_name":  "MesoNet",
			"description":   "适合实时推理的轻量模型",
			"weights_file":  "mesonet_deepfake_detector.json",
			"input_size":    256,
			"preprocessing": "custom",
			"threshold":     0.5,
		},
	})

	// 任务默认配置
	viper.SetDefault("task.max_concurrent", 10)
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.timeout_minutes", 30)
	viper.SetDefault("task.retention_hours", 24)

	// 存储默认配置
	viper.SetDefault("storage.db_path", "data/sherlock.db")
	viper.SetDefault("storage.retention_days", 30)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.Task.MaxConcurrent <= 0 {
		return fmt.Errorf("任务并发上限必须大于 0")
	}
	if config.Task.Workers <= 0 {
		return fmt.Errorf("后台处理协程数量必须大于 0")
	}
	if config.Detection.BatchSize <= 0 {
		return fmt.Errorf("推理批大小必须大于 0")
	}
	if len(config.Detection.Models) == 0 {
		return fmt.Errorf("未配置任何检测模型")
	}
	if _, ok := config.Detection.Models[config.Detection.DefaultModel]; !ok {
		return fmt.Errorf("默认模型 %s 不在模型表中", config.Detection.DefaultModel)
	}
	for name, m := range config.Detection.Models {
		if m.Type != "xception" && m.Type != "mesonet" && m.Type != "remote" {
			return fmt.Errorf("模型 %s 的类型 %s 不受支持", name, m.Type)
		}
		if m.Type == "remote" && m.Endpoint == "" {
			return fmt.Errorf("远程模型 %s 未配置推理服务地址", name)
		}
		if m.InputSize <= 0 {
			return fmt.Errorf("模型 %s 的输入尺寸无效", name)
		}
		if m.Threshold <= 0 || m.Threshold >= 1 {
			return fmt.Errorf("模型 %s 的判定阈值必须在 (0, 1) 之间", name)
		}
	}
	return nil
}
