package rio

import "errors"

// ErrPlatformNotSupported 非 Linux 平台返回（需要 epoll 与 eventfd）
var ErrPlatformNotSupported = errors.New("rio: platform not supported (requires Linux/epoll)")
