/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、上游、流处理、会话与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 上游指标：请求总数、请求耗时、Token 用量（prompt/completion），
    按 provider/model 分组。
  - 流处理指标：下发的 chunk 总数、停止序列命中数、
    被扣留的候选前缀数、背压中继丢弃数、端到端流耗时，
    按 transport/provider/stop_reason/policy 分组。
  - 会话指标：活跃会话数 Gauge、已结束会话计数，
    按 store/stop_reason 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
