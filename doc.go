// Package rio 是多 loop reactor 网络框架的入口。
//
// 各层位于子包中：buffer、poller、loop 构成事件循环，tcp、server、client
// 处理连接，protocol、httpserver、router 提供 HTTP/1.x 服务。
// ListenAndServe 把这些组合为最常见的用法。
package rio
