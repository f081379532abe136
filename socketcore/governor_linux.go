// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

//go:build linux

package socketcore

import (
	"golang.org/x/sys/unix"
)

// tcpInfoSample is the subset of TCP_INFO this governor consumes.
type tcpInfoSample struct {
	mss     uint32
	cwnd    uint32
	unacked uint32
}

// tcpInfo fetches TCP_INFO for fd. rtt is reported in microseconds,
// matching TCPInfo.Rtt.
func tcpInfo(fd uintptr) (tcpInfoSample, int64, error) {
	info, err := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return tcpInfoSample{}, 0, err
	}
	return tcpInfoSample{
		mss:     info.Snd_mss,
		cwnd:    info.Snd_cwnd,
		unacked: info.Unacked,
	}, int64(info.Rtt), nil
}

// setNotsentLowat attempts to set TCP_NOTSENT_LOWAT so the socket
// reports writable only once its send buffer has drained close to
// empty; failure to set it disables the governor for this socket.
func setNotsentLowat(fd uintptr, bytes int) error {
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NOTSENT_LOWAT, bytes)
}
