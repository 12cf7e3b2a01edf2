// Copyright (c) Streamflow Authors.
// Licensed under the MIT License.

/*
Package stream 实现流式文本的后处理管线。

# 核心组件

  - StopBuffer    — 停止序列感知的流式缓冲器：累积上游文本片段，检测配置的
    停止序列并在首次出现处截断，决定何时可以安全地向下游释放片段
  - Enforcer      — 可插拔的截断策略接口（LiteralEnforcer 为默认实现）
  - RuneAssembler — UTF-8 组装器：只放行完整字符，残缺多字节序列留在缓冲区
  - Coalescer     — 增量合并器：把 token 级小片段合并为短语级片段
  - ChunkRelay    — 带高低水位与丢弃策略的背压中继
  - Pipeline      — 把以上阶段串联成 上游 → 组装 → 停止检测 → 合并 → 消费 的管线

# 并发模型

StopBuffer 内部使用单个互斥锁保护全部状态操作，可供多个生产者与一个
消费者并发使用。Pipeline 自身单 goroutine 驱动，流的生命周期由调用方
的 context 控制。
*/
package stream
