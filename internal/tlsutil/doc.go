// Package tlsutil 为上游 HTTP 客户端提供加固的 TLS 配置
// （TLS 1.2+，仅 AEAD 密码套件，面向长流式连接的复用参数）。
package tlsutil
