package filewatcher

import (
	"os"
	"path/filepath"
	"sync"

	"sherlock/app/config"
	"sherlock/app/detector"
	"sherlock/app/logger"

	"github.com/fsnotify/fsnotify"
)

// WeightsWatcher 监控权重目录，权重文件变化时使对应模型的缓存实例失效，
// 下一次请求会用新权重重新加载。
type WeightsWatcher struct {
	watcher   *fsnotify.Watcher
	cache     *detector.Cache
	modelsDir string
	byFile    map[string]string // 权重文件名 -> 模型名
	log       *logger.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New 创建权重目录监控器
func New(cfg config.DetectionConfig, cache *detector.Cache, log *logger.Logger) (*WeightsWatcher, error) {
	byFile := make(map[string]string)
	for name, m := range cfg.Models {
		if m.WeightsFile != "" {
			byFile[m.WeightsFile] = name
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &WeightsWatcher{
		watcher:   watcher,
		cache:     cache,
		modelsDir: cfg.ModelsDir,
		byFile:    byFile,
		log:       log,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 开始监控权重目录
func (w *WeightsWatcher) Start() error {
	if err := os.MkdirAll(w.modelsDir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.modelsDir); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()

	w.log.Infof("权重目录监控已启动: %s", w.modelsDir)
	return nil
}

// Stop 停止监控
func (w *WeightsWatcher) Stop() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// loop 处理文件系统事件
func (w *WeightsWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("权重目录监控出错: %v", err)
		}
	}
}

// handleEvent 权重文件被写入、创建、删除或改名时使对应模型失效
func (w *WeightsWatcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	modelName, ok := w.byFile[filepath.Base(event.Name)]
	if !ok {
		return
	}

	w.log.Infof("检测到权重文件变化: %s (%s)", event.Name, event.Op)
	w.cache.Invalidate(modelName)
}
