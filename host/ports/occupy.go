package ports

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// IsAddrInUse 判断监听错误是否由端口已被占用引起。
// Windows 上的 WSAEADDRINUSE 不一定映射到 syscall.EADDRINUSE，因此同时比对错误文本。
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}

// CheckTCPPortAvailable 检测 TCP 端口是否可用（通过尝试监听并立即关闭）。
// 参数：
// - host: 监听地址
// - port: 端口号
// 返回：
// - error: 端口不可用或监听失败原因
func CheckTCPPortAvailable(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	_ = ln.Close()
	return nil
}

// CheckUDPPortAvailable 检测 UDP 端口是否可用（SRT 传输在绑定前用它区分端口冲突）。
// 参数：
// - host: 绑定地址
// - port: 端口号
// 返回：
// - error: 端口不可用或绑定失败原因
func CheckUDPPortAvailable(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	c, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	_ = c.SetDeadline(time.Now())
	_ = c.Close()
	return nil
}
