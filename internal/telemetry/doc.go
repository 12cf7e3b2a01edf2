// Package telemetry 按配置初始化 OpenTelemetry SDK，
// 通过 OTLP gRPC 导出 trace 与 metric，并注册 W3C 传播器。
// 遥测禁用时不建立任何外部连接，全局 provider 保持 noop。
package telemetry
