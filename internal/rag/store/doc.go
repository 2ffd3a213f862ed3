// Package store 提供 RAG 服务的向量索引与持久化。
//
// Index 在内存中保存有序的 Entry，使用写时复制快照：查询读取当前快照，
// Build/Append 在互斥锁下构造新快照后原子替换，查询不会观察到中间状态。
//
// 持久化由两个同目录文件组成：vectors.bin（向量矩阵）与 metadata.db
// （SQLite 元数据表），二者必须同时存在才能加载。
package store
