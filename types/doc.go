// Copyright (c) Streamflow Authors.
// Licensed under the MIT License.

/*
Package types 提供 streamflow 网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 stream、upstream、session、
api 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和错误码
均定义于此，以避免循环依赖。

# 核心类型

  - Message           — 对话消息（Role、Content、Name）
  - Chunk             — 流式文本片段（Text + 可选 Message 镜像 + 传输字段）
  - Usage             — Token 用量统计
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 主要能力

  - Context 传播：WithTenantID / WithUserID / WithRoles
  - 错误工具链：NewError / WithCause / IsRetryable / GetErrorCode
*/
package types
