package pool

import (
	"context"
	"sync"
)

// Group 在池上并发执行一组任务并等待全部完成。
// 第一个失败的任务会取消组上下文，Wait 返回该错误。
type Group struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelCauseFunc

	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// NewGroup 创建任务组。
func NewGroup(ctx context.Context, p *Pool) (*Group, context.Context) {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Group{pool: p, ctx: ctx, cancel: cancel}, ctx
}

// Go 提交任务；提交失败视为任务失败。
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	err := g.pool.Submit(func() {
		defer g.wg.Done()
		if g.ctx.Err() != nil {
			g.fail(context.Cause(g.ctx))
			return
		}
		if err := fn(g.ctx); err != nil {
			g.fail(err)
		}
	})
	if err != nil {
		g.wg.Done()
		g.fail(err)
	}
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		g.cancel(err)
	})
}

// Wait 等待所有任务结束并返回第一个错误。
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel(nil)
	return g.err
}
