// Package feed serves decoded mesh events to external consumers over QUIC.
// Each client connection gets one stream of JSON lines, one event per line.
package feed

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"meshmon/internal/gateway"
)

const alpnProto = "meshmon-feed"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate so the feed
// works out of the box on a trusted network. Real deployments front this
// with their own certs.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshmon-feed-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// Server pushes hub events to every connected QUIC client.
type Server struct {
	addr   string
	hub    *gateway.Hub
	buffer int

	readyCh chan struct{}
	bound   net.Addr
}

func NewServer(addr string, hub *gateway.Hub, buffer int) *Server {
	return &Server{addr: addr, hub: hub, buffer: buffer, readyCh: make(chan struct{})}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr is the bound listen address, valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.bound
}

// Serve listens and handles clients until the context is done. A slow client
// loses events, never stalls the session.
func (s *Server) Serve(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.addr, tlsConf, nil)
	if err != nil {
		return err
	}
	s.bound = listener.Addr()
	close(s.readyCh)
	log.Info().Str("addr", s.bound.String()).Msg("event feed listening")
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("feed client connected")
		go s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("feed stream open failed")
		return
	}
	defer stream.Close()

	events, cancel := s.hub.Subscribe(s.buffer)
	defer cancel()

	enc := json.NewEncoder(stream)
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("feed write failed, dropping client")
				return
			}
		}
	}
}

// Subscribe dials a feed server and delivers its events on a channel until
// the context is done or the server goes away.
func Subscribe(ctx context.Context, addr string) (<-chan gateway.Event, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	out := make(chan gateway.Event)
	go func() {
		defer close(out)
		defer conn.CloseWithError(0, "")
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var ev gateway.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				log.Debug().Err(err).Msg("feed line decode failed")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
