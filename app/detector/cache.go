package detector

import (
	"sort"
	"sync"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"

	gocache "github.com/patrickmn/go-cache"
)

// Cache 进程级的已加载检测器缓存。
// 每个模型首次使用时惰性加载，之后一直保留，除非被显式失效。
// 并发的首次加载会被合并：同一模型同时只有一次加载，
// 加载失败不缓存，后续调用可以重试。
type Cache struct {
	cfg config.DetectionConfig
	log *logger.Logger

	store *gocache.Cache // 模型名 -> 已加载的 Detector

	mu    sync.Mutex
	locks map[string]*sync.Mutex // 每个模型的加载锁
}

// NewCache 创建检测器缓存
func NewCache(cfg config.DetectionConfig, log *logger.Logger) *Cache {
	return &Cache{
		cfg:   cfg,
		log:   log,
		store: gocache.New(gocache.NoExpiration, 0),
		locks: make(map[string]*sync.Mutex),
	}
}

// Get 返回已加载的检测器，必要时先加载。
// 模型未注册时返回 KindValidation 错误，加载失败返回 KindModel 错误。
func (c *Cache) Get(name string) (Detector, error) {
	mcfg, ok := c.cfg.Models[name]
	if !ok {
		return nil, errs.Newf(errs.KindValidation, "模型 %s 未注册", name)
	}

	if cached, found := c.store.Get(name); found {
		return cached.(Detector), nil
	}

	// 同一模型的并发加载在这里串行化
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	// 拿到锁后重新检查，之前的加载者可能已经完成
	if cached, found := c.store.Get(name); found {
		return cached.(Detector), nil
	}

	d, err := New(name, mcfg, c.cfg.ModelsDir, c.log)
	if err != nil {
		return nil, err
	}
	if err := d.Load(); err != nil {
		// 失败不写入缓存，下一次调用可以重试加载
		c.log.Errorf("模型 %s 加载失败: %v", name, err)
		return nil, err
	}

	c.store.Set(name, d, gocache.NoExpiration)
	return d, nil
}

// Invalidate 使指定模型的缓存实例失效，下次使用时重新加载
func (c *Cache) Invalidate(name string) {
	if _, found := c.store.Get(name); found {
		c.store.Delete(name)
		c.log.Infof("模型 %s 的缓存实例已失效", name)
	}
}

// IsLoaded 判断模型当前是否已加载
func (c *Cache) IsLoaded(name string) bool {
	_, found := c.store.Get(name)
	return found
}

// LoadedModels 返回已加载模型名的有序列表
func (c *Cache) LoadedModels() []string {
	items := c.store.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lockFor 返回指定模型的加载锁
func (c *Cache) lockFor(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, ok := c.locks[name]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.locks[name] = lock
	return lock
}
