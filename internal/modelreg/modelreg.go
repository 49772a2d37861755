package modelreg

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Model 为已加载（常驻）的本地模型句柄。
type Model struct {
	Key      string
	Info     map[string]string
	LoadedAt time.Time
}

// Loader 执行一次实际加载（如 Ollama 预热）；返回模型信息。
type Loader func(ctx context.Context, key string) (map[string]string, error)

// slot: 注册表条目。done 关闭前为“加载中”。
type slot struct {
	done  chan struct{}
	model *Model
}

// Registry: 进程内本地模型注册表（显式对象，由调用方注入）。
// 不变量：
//  1. 同一 key 任一时刻至多一个加载在途（CAS 插入占位）；
//  2. 加载中的 Get/Acquire 返回 ErrModelLoading，不触发二次加载；
//  3. 加载失败删除占位，后续调用可重新尝试。
type Registry struct {
	m   sync.Map // key → *slot
	now func() time.Time
}

// New 创建空注册表。
func New() *Registry { return &Registry{now: time.Now} }

// Get 返回已加载模型；未加载返回 (nil, nil)；加载中返回 ErrModelLoading。
func (r *Registry) Get(key string) (*Model, error) {
	v, ok := r.m.Load(key)
	if !ok {
		return nil, nil
	}
	s := v.(*slot)
	select {
	case <-s.done:
		return s.model, nil
	default:
		return nil, fmt.Errorf("model %s: %w", key, contract.ErrModelLoading)
	}
}

// Acquire 返回已加载模型，或在本调用中完成加载。
// 若其他调用者持有该 key 的加载占位，立即返回 ErrModelLoading（由调用方轮询）。
func (r *Registry) Acquire(ctx context.Context, key string, load Loader) (*Model, error) {
	s := &slot{done: make(chan struct{})}
	if _, loaded := r.m.LoadOrStore(key, s); loaded {
		m, err := r.Get(key)
		if m == nil && err == nil {
			// 占位在读取间隙被失败的加载删除
			return nil, fmt.Errorf("model %s: %w", key, contract.ErrModelLoading)
		}
		return m, err
	}
	info, err := load(ctx, key)
	if err != nil {
		r.m.Delete(key)
		close(s.done)
		return nil, err
	}
	s.model = &Model{Key: key, Info: info, LoadedAt: r.now()}
	close(s.done)
	return s.model, nil
}

// Wait 阻塞直至 key 的在途加载结束或 ctx 结束；无在途加载立即返回。
func (r *Registry) Wait(ctx context.Context, key string) error {
	v, ok := r.m.Load(key)
	if !ok {
		return nil
	}
	select {
	case <-v.(*slot).done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evict 移除已加载模型；加载中的条目不受影响并返回 false。
func (r *Registry) Evict(key string) bool {
	v, ok := r.m.Load(key)
	if !ok {
		return false
	}
	select {
	case <-v.(*slot).done:
		return r.m.CompareAndDelete(key, v)
	default:
		return false
	}
}

// Keys 返回已加载完成的模型 key（升序）。
func (r *Registry) Keys() []string {
	var out []string
	r.m.Range(func(k, v any) bool {
		select {
		case <-v.(*slot).done:
			if v.(*slot).model != nil {
				out = append(out, k.(string))
			}
		default:
		}
		return true
	})
	sort.Strings(out)
	return out
}
