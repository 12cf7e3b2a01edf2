// Package migration 基于 golang-migrate 管理数据库 Schema 版本, 支持
// PostgreSQL、MySQL 与 SQLite 三种方言。各方言的 SQL 迁移文件通过
// embed.FS 内嵌, 二进制自带完整 Schema, 部署时无需额外文件。
package migration
