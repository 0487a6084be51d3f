package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
)

const UDPTransportConfigName = "udp_transport"

// UDPTransportCfg configures the multicast socket. SendPort, when set, is
// the group port multicast sends go to; otherwise Port is used.
type UDPTransportCfg struct {
	Group         string `mapstructure:"group"`
	Port          int    `mapstructure:"port"`
	Bind          string `mapstructure:"bind"`
	SendPort      int    `mapstructure:"sendPort"`
	Interface     string `mapstructure:"interface"`
	TTL           int    `mapstructure:"ttl"`
	Loopback      bool   `mapstructure:"loopback"`
	MaxPacketSize int    `mapstructure:"maxPacketSize"`
}

// DefaultUDPTransportCfg joins 239.0.0.1:5001 with loopback on.
func DefaultUDPTransportCfg() *UDPTransportCfg {
	return &UDPTransportCfg{
		Group:         "239.0.0.1",
		Port:          5001,
		TTL:           2,
		Loopback:      true,
		MaxPacketSize: defaultMaxPacketSize,
	}
}

// GetName returns the udp transport config name.
func (c *UDPTransportCfg) GetName() string {
	return UDPTransportConfigName
}

// Validate checks the group is multicast and the port, TTL and packet size
// are in range.
func (c *UDPTransportCfg) Validate() error {
	ip := net.ParseIP(c.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("Group %q is not an IPv4 multicast address", c.Group)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("Port must be in [1, 65535]")
	}
	if c.SendPort < 0 || c.SendPort > 65535 {
		return fmt.Errorf("SendPort must be in [0, 65535]")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("TTL must be in [0, 255]")
	}
	if c.MaxPacketSize <= 0 || c.MaxPacketSize > defaultMaxPacketSize {
		return fmt.Errorf("MaxPacketSize must be in [1, %d]", defaultMaxPacketSize)
	}
	return nil
}

func (c *UDPTransportCfg) groupAddr() *net.UDPAddr {
	port := c.Port
	if c.SendPort > 0 {
		port = c.SendPort
	}
	return &net.UDPAddr{IP: net.ParseIP(c.Group).To4(), Port: port}
}

// UDPTransport is a multicast UDP socket: it joins the configured group,
// multicasts broadcasts to it and unicasts everything else.
type UDPTransport struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	ifi   *net.Interface

	lock sync.RWMutex
	cfg  *UDPTransportCfg

	closeOnce sync.Once
}

// NewUDPTransport binds the socket and joins the group.
func NewUDPTransport(cfg *UDPTransportCfg) (*UDPTransport, error) {
	metrics.IncrCounterWithGroup(metricsGroup, "transport_start_total", 1)

	if cfg == nil {
		cfg = DefaultUDPTransportCfg()
	}
	if err := cfg.Validate(); err != nil {
		metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_error_total", 1, map[string]string{"error_type": "config"})
		return nil, fmt.Errorf("invalid udp transport configuration: %w", err)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_error_total", 1, map[string]string{"error_type": "interface"})
			return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)))
	if err != nil {
		metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_error_total", 1, map[string]string{"error_type": "listen"})
		return nil, fmt.Errorf("listen fail: %w", err)
	}

	t := &UDPTransport{conn: conn, pconn: ipv4.NewPacketConn(conn), ifi: ifi, cfg: cfg}
	if err := t.pconn.JoinGroup(ifi, &net.UDPAddr{IP: net.ParseIP(cfg.Group)}); err != nil {
		_ = conn.Close()
		metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_error_total", 1, map[string]string{"error_type": "join"})
		return nil, fmt.Errorf("join group %s: %w", cfg.Group, err)
	}
	if err := t.applySocketOptions(cfg); err != nil {
		_ = t.Close()
		metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_error_total", 1, map[string]string{"error_type": "sockopt"})
		return nil, err
	}

	metrics.IncrCounterWithDimGroup(metricsGroup, "transport_start_success_total", 1, map[string]string{"transport_type": "udp"})
	log.Info().Str("group", cfg.Group).Int("port", cfg.Port).Str("local", conn.LocalAddr().String()).Msg("udp transport started")
	return t, nil
}

// NewUDPTransportWithConfigManager loads "udp_transport" and applies later
// TTL and loopback changes to the live socket.
func NewUDPTransportWithConfigManager(configManager config.ConfigManager) (*UDPTransport, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := DefaultUDPTransportCfg()
	if err := configManager.LoadConfig(UDPTransportConfigName, cfg); err != nil {
		return nil, fmt.Errorf("failed to load udp_transport config: %w", err)
	}

	t, err := NewUDPTransport(cfg)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(t)
	return t, nil
}

func (t *UDPTransport) applySocketOptions(cfg *UDPTransportCfg) error {
	if err := t.pconn.SetMulticastLoopback(cfg.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	if err := t.pconn.SetMulticastTTL(cfg.TTL); err != nil {
		return fmt.Errorf("set multicast ttl: %w", err)
	}
	if t.ifi != nil {
		if err := t.pconn.SetMulticastInterface(t.ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	return nil
}

// OnConfigChanged implements config.ConfigChangeListener. Group, port and
// bind changes need a new transport and are only logged.
func (t *UDPTransport) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != UDPTransportConfigName {
		return nil
	}
	newCfg, ok := newConfig.(*UDPTransportCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for UDPTransport")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid udp transport configuration: %w", err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if newCfg.Group != t.cfg.Group || newCfg.Port != t.cfg.Port || newCfg.Bind != t.cfg.Bind || newCfg.Interface != t.cfg.Interface {
		log.Warn().Str("configName", configName).Msg("udp socket address changes take effect on restart")
	}
	if err := t.applySocketOptions(newCfg); err != nil {
		return err
	}
	applied := *t.cfg
	applied.TTL, applied.Loopback = newCfg.TTL, newCfg.Loopback
	applied.SendPort, applied.MaxPacketSize = newCfg.SendPort, newCfg.MaxPacketSize
	t.cfg = &applied

	log.Info().Str("configName", configName).Msg("UDP transport configuration updated successfully")
	return nil
}

// GetConfigName returns the config the transport listens to.
func (t *UDPTransport) GetConfigName() string {
	return UDPTransportConfigName
}

func (t *UDPTransport) config() *UDPTransportCfg {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.cfg
}

// LocalAddr is the bound socket address.
func (t *UDPTransport) LocalAddr() Address {
	return AddressOf(t.conn.LocalAddr())
}

// PacketConn exposes the socket for layering a VirtualTransport on top.
func (t *UDPTransport) PacketConn() net.PacketConn {
	return t.conn
}

// GroupAddr is where broadcasts are sent.
func (t *UDPTransport) GroupAddr() net.Addr {
	return t.config().groupAddr()
}

// Send writes payload to dst, or to the multicast group when dst is nil.
func (t *UDPTransport) Send(payload []byte, dst *Address) error {
	cfg := t.config()
	if len(payload) > cfg.MaxPacketSize {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(payload), cfg.MaxPacketSize)
	}

	var to net.Addr = cfg.groupAddr()
	if dst != nil {
		ua, err := net.ResolveUDPAddr("udp4", dst.String())
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dst, err)
		}
		to = ua
	}
	if _, err := t.conn.WriteTo(payload, to); err != nil {
		return closedOr(err)
	}
	metrics.IncrCounterWithDimGroup(metricsGroup, "sent_total", 1, map[string]string{"transport": "udp"})
	return nil
}

// Receive reads one datagram from the group or a unicast peer.
func (t *UDPTransport) Receive(ctx context.Context) (*Datagram, error) {
	buf := make([]byte, t.config().MaxPacketSize)
	n, from, err := readPacket(ctx, t.conn, buf)
	if err != nil {
		return nil, err
	}
	return &Datagram{Payload: buf[:n], Sender: AddressOf(from)}, nil
}

// Close leaves the group and closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		cfg := t.config()
		_ = t.pconn.LeaveGroup(t.ifi, &net.UDPAddr{IP: net.ParseIP(cfg.Group)})
		err = t.conn.Close()
	})
	return err
}
