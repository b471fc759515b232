package control

import (
	"net"
	"strconv"
	"time"

	"qchat/host/config"
	"qchat/host/ports"

	srt "github.com/datarhei/gosrt"
)

// connListener 屏蔽 TCP 与 SRT 监听器的差异。
type connListener interface {
	AcceptConn() (net.Conn, error)
	Close()
	// Stream 返回是否为字节流传输（仅字节流支持 HTTP /status 探测）。
	Stream() bool
}

type tcpListener struct {
	net.Listener
}

func (l tcpListener) AcceptConn() (net.Conn, error) { return l.Accept() }

func (l tcpListener) Close() { _ = l.Listener.Close() }

func (l tcpListener) Stream() bool { return true }

type srtListener struct {
	ln srt.Listener
}

func (l srtListener) AcceptConn() (net.Conn, error) {
	req, err := l.ln.Accept2()
	if err != nil {
		return nil, err
	}
	return req.Accept()
}

func (l srtListener) Close() { l.ln.Close() }

func (l srtListener) Stream() bool { return false }

// listen 在指定端口上按配置的传输方式监听。
// SRT 基于 UDP，先探测 UDP 端口以得到可识别的“地址已占用”错误。
func listen(cfg config.ControlConfig, port int) (connListener, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	if cfg.Transport != config.TransportSRT {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return tcpListener{Listener: ln}, nil
	}
	if err := ports.CheckUDPPortAvailable(cfg.Host, port); err != nil {
		return nil, err
	}
	ln, err := srt.Listen("srt", addr, srtConfig(cfg.SRT))
	if err != nil {
		return nil, err
	}
	return srtListener{ln: ln}, nil
}

// srtConfig 把配置映射为 goSRT 参数。
func srtConfig(c config.SRTConfig) srt.Config {
	scfg := srt.DefaultConfig()
	if c.Latency > 0 {
		scfg.Latency = time.Duration(c.Latency) * time.Millisecond
	}
	if c.MaxBW != 0 {
		scfg.MaxBW = c.MaxBW
	}
	if c.IPTTL > 0 {
		scfg.IPTTL = c.IPTTL
	}
	scfg.PeerIdleTimeout = 8 * time.Second
	return scfg
}

// DialSRT 以与宿主相同的参数连接 SRT 控制通道（伴随进程模拟器使用）。
func DialSRT(host string, port int, c config.SRTConfig) (net.Conn, error) {
	return srt.Dial("srt", net.JoinHostPort(host, strconv.Itoa(port)), srtConfig(c))
}
