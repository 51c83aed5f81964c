package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// UDP 发现端口（中继广播 / 客户端监听）
const DiscoverPort = 47815

// Magic 标识，避免误解析其他应用的 UDP 包
const Magic = "safestream-v1"

var ErrInvalidAnnouncement = errors.New("invalid announcement")

// Announcement 中继在局域网内广播的信令入口
type Announcement struct {
	Magic string `json:"magic"`
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Path  string `json:"path,omitempty"`
}

// SignalURL 返回可直接拨号的 WebSocket 地址
func (a Announcement) SignalURL() string {
	path := a.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(a.Host, fmt.Sprint(a.Port)), path)
}

func (a Announcement) key() string {
	return net.JoinHostPort(a.Host, fmt.Sprint(a.Port))
}

// StartBeacon 周期性通过 UDP 广播中继的信令地址，直到 ctx 取消。
func StartBeacon(ctx context.Context, ann Announcement, interval time.Duration) error {
	ann.Magic = Magic
	if ann.Name == "" {
		ann.Name = ann.Host
	}
	if _, err := validate(ann); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	payload, err := json.Marshal(ann)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return errors.Wrap(err, "beacon socket")
	}
	defer conn.Close()

	broadcastAddr := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: DiscoverPort,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = conn.WriteTo(payload, broadcastAddr)
		}
	}
}

// Discover 在给定超时时间内监听 UDP 广播，收集中继列表。
func Discover(timeout time.Duration) ([]Announcement, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", DiscoverPort))
	if err != nil {
		return nil, errors.Wrap(err, "discovery socket")
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	var result []Announcement
	seen := make(map[string]bool)

	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			// 超时等错误直接返回已收集的数据
			break
		}
		ann, err := parseAnnouncement(buf[:n])
		if err != nil {
			continue
		}
		if seen[ann.key()] {
			continue
		}
		seen[ann.key()] = true
		result = append(result, ann)
	}
	return result, nil
}

func parseAnnouncement(b []byte) (Announcement, error) {
	var ann Announcement
	if err := json.Unmarshal(b, &ann); err != nil {
		return ann, errors.Wrap(ErrInvalidAnnouncement, err.Error())
	}
	return validate(ann)
}

func validate(ann Announcement) (Announcement, error) {
	if ann.Magic != Magic {
		return ann, errors.Wrapf(ErrInvalidAnnouncement, "magic %q", ann.Magic)
	}
	if ann.Host == "" || ann.Port <= 0 || ann.Port > 65535 {
		return ann, errors.Wrap(ErrInvalidAnnouncement, "host or port")
	}
	return ann, nil
}

// LocalIPv4 尝试获取一块非回环的 IPv4 地址，用于对外广播。
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&(net.FlagUp|net.FlagLoopback) != net.FlagUp {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return ""
}
