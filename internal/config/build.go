package config

import (
	"fmt"
	"strings"

	"obfsbridge/internal/compression"
	"obfsbridge/internal/conn"
	"obfsbridge/internal/obfs"
	"obfsbridge/internal/packet"
	"obfsbridge/internal/resolve"
	"obfsbridge/internal/transport"
)

// ConnOptions translates the endpoint and dialer sections.
func (c *Config) ConnOptions() conn.Options {
	opts := conn.Options{
		Kind:         conn.Kind(strings.ToLower(c.Endpoint.Kind)),
		Path:         c.Endpoint.Path,
		SNI:          c.Endpoint.SNI,
		Fingerprint:  c.Endpoint.Fingerprint,
		Insecure:     c.Endpoint.Insecure,
		KCPKey:       c.Endpoint.KCPKey,
		ALPN:         c.Endpoint.ALPN,
		DialTimeout:  c.DialTimeout(),
		WriteTimeout: c.WriteTimeout(),
		Resolver:     resolve.New(c.Dialer.DNSServer, c.DialTimeout()),
	}
	if s := c.Dialer.SOCKS; s.Address != "" {
		opts.SOCKS = &conn.SOCKSConfig{
			Address:  s.Address,
			Username: s.Username,
			Password: s.Password,
		}
	}
	return opts
}

// PacketCodec returns the configured framing, wrapped for compression when
// enabled.
func (c *Config) PacketCodec() (packet.Codec, error) {
	codec, err := packet.New(c.Packet.Codec)
	if err != nil {
		return nil, err
	}
	comp, err := compression.ParseMethod(c.Packet.Compression)
	if err != nil {
		return nil, err
	}
	return compression.Wrap(codec, comp)
}

// TransportConfig assembles everything transport.New needs.
func (c *Config) TransportConfig() (transport.Config, error) {
	connFactory, err := conn.NewFactory(c.ConnOptions())
	if err != nil {
		return transport.Config{}, fmt.Errorf("connection: %w", err)
	}
	obfsFactory, err := obfs.NewFactory(c.Obfuscation)
	if err != nil {
		return transport.Config{}, fmt.Errorf("obfuscation: %w", err)
	}
	codec, err := c.PacketCodec()
	if err != nil {
		return transport.Config{}, fmt.Errorf("packet: %w", err)
	}
	return transport.Config{
		Target:       c.Endpoint.Target,
		Address:      c.Endpoint.Address,
		LogScope:     c.Transport.LogScope,
		RetryTimeout: c.RetryTimeout(),
		ConnFactory:  connFactory,
		Obfuscation:  obfsFactory,
		Packets:      codec,
	}, nil
}
