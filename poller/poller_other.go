//go:build !linux

package poller

func newEpoll() (Poller, error) { return nil, ErrPlatformNotSupported }

func newPoll() (Poller, error) { return nil, ErrPlatformNotSupported }
