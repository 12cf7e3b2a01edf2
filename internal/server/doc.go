// Package server 管理 HTTP 服务器的生命周期: 监听、异步错误收集、
// 信号驱动的优雅关闭。关闭时等待在途的流式响应完成。
package server
