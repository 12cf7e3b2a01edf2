// Package config 提供 Streamflow 的统一配置：默认值、YAML 文件加载与
// 环境变量覆盖，并附带基本的合法性校验。
package config
