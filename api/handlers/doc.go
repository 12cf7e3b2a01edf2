// Copyright (c) StreamFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 StreamFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 StreamFlow 所有 HTTP 端点的请求处理逻辑,
包括聊天补全（同步 / SSE / WebSocket）、会话查询、上游 API Key 管理、
健康检查以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口,
通过 Swagger 注解生成 API 文档。

# 核心类型

  - ChatHandler      — 聊天补全处理器, 输出经停止序列后处理管线
  - WSHandler        — WebSocket 流式处理器, 帧推送与读泵并行
  - SessionHandler   — 会话查询（/v1/sessions/{id}）
  - APIKeyHandler    — 上游 API Key CRUD 与统计
  - HealthHandler    — 服务健康检查（/healthz, /readyz, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息, 含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码, 透传 Flusher
  - HealthCheck      — 可插拔健康检查接口（数据库、Redis、上游等）

# 主要能力

  - 统一响应格式: WriteSuccess / WriteError / WriteTypedError / WriteJSON
  - 请求验证: DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 流式输出: ChatHandler.HandleStream 逐帧下发截断后的增量
  - WebSocket 流式输出: WSHandler.HandleStream 带写锁串行化帧写入
  - 停止序列在网关侧逐块匹配截断, 不依赖上游原生支持
  - 可扩展健康检查: RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
