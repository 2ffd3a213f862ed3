// Package biz 提供 RAG 引擎的业务逻辑层。
//
// 该包将引擎拆分为以下组件：
//   - EmbeddingClient: 分批、并发、带重试的向量化
//   - Indexer: 加载、分块、向量化并持久化索引，支持增量更新
//   - Retriever: 查询向量化、近邻检索与元数据过滤
//   - SessionStore: 多轮会话与忙碌标记
//   - Generator: 提示词构建与（流式）回答生成
//   - Orchestrator: 串联一轮对话
//   - Service: 组合以上组件，提供查询边界
package biz
