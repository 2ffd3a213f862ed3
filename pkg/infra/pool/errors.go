// Package pool 提供基于 ants 的命名 goroutine 池。
package pool

import "errors"

// 池相关错误定义
var (
	// ErrPoolClosed 池已关闭
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolNotFound 池不存在
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPoolAlreadyExists 池已存在
	ErrPoolAlreadyExists = errors.New("pool already exists")

	// ErrPoolOverload 池已满（非阻塞模式）
	ErrPoolOverload = errors.New("pool overload")
)
