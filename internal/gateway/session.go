// Package gateway owns the live session to the radio node: connection
// lifecycle, handshake sequencing, frame dispatch, and packet
// classification.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"meshmon/internal/channel"
	"meshmon/internal/metrics"
	"meshmon/internal/model"
	"meshmon/internal/proto"
	"meshmon/internal/send"
	"meshmon/internal/trace"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 1 * time.Second
	maxBackoff    = 5 * time.Minute
	dialTimeout   = 10 * time.Second
)

// State of the transport session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var errConnectInProgress = errors.New("connect already in progress")

// PacketSink is the narrow write contract to the packet log.
type PacketSink interface {
	PersistPacket(model.PacketRecord) error
}

// NodeRegistry is the node-store contract the session and the traceroute
// scheduler share.
type NodeRegistry interface {
	trace.Registry
	UpsertNode(ref model.NodeRef, lastHeard time.Time) error
	TouchNode(nodeNum uint32, heardAt time.Time) error
	UpdateTracerouteResult(nodeNum uint32, route []uint32, succeeded bool) error
}

type Config struct {
	// Addr is the radio node's host:port.
	Addr string
	// StaleTimeout forces a reconnect after this long without traffic.
	StaleTimeout time.Duration
	// TracerouteIntervalMinutes drives the scheduler; 0 disables probing.
	TracerouteIntervalMinutes int
}

// Session maintains one logical connection to the radio node. All writes
// funnel through the send coordinator; disconnecting synchronously stops
// the traceroute scheduler and clears pending sends before the state
// transition, so nothing tries to write a dead socket.
type Session struct {
	cfg     Config
	sink    PacketSink
	nodes   NodeRegistry
	engine  *channel.Engine
	metrics *metrics.Metrics
	coord   *send.Coordinator
	sched   *trace.Scheduler
	hub     *Hub

	dial func(ctx context.Context, addr string) (net.Conn, error)

	state        atomic.Int32
	lastRxUnixNs atomic.Int64
	packetID     atomic.Uint32

	mu           sync.Mutex
	conn         net.Conn
	local        model.LocalNodeIdentity
	wantConfigID uint32
}

func NewSession(cfg Config, sink PacketSink, nodes NodeRegistry, engine *channel.Engine, m *metrics.Metrics, hub *Hub) *Session {
	s := &Session{
		cfg:     cfg,
		sink:    sink,
		nodes:   nodes,
		engine:  engine,
		metrics: m,
		coord:   send.New(),
		hub:     hub,
	}
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	s.sched = trace.NewScheduler(nodes, s.SendTraceroute, m)
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		s.packetID.Store(binary.BigEndian.Uint32(seed[:]))
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// LocalIdentity returns the node identity learned from the handshake; zero
// value while disconnected.
func (s *Session) LocalIdentity() model.LocalNodeIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Coordinator exposes the outbound queue (feed/status consumers).
func (s *Session) Coordinator() *send.Coordinator {
	return s.coord
}

// Scheduler exposes the traceroute scheduler (settings changes restart it).
func (s *Session) Scheduler() *trace.Scheduler {
	return s.sched
}

// Run connects and keeps reconnecting with capped exponential backoff until
// the context is done. Transient transport errors never escape this loop.
func (s *Session) Run(ctx context.Context) error {
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errConnectInProgress) {
			return err
		}
		if err != nil {
			log.Warn().Err(err).Str("addr", s.cfg.Addr).Msg("session ended")
		}
		s.state.Store(int32(StateReconnecting))
		if s.metrics != nil {
			s.metrics.IncReconnects()
		}
		wait := backoff + time.Duration(mrand.Int63n(int64(backoffJitter)))
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateDisconnected))
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) &&
		!s.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnecting)) {
		return errConnectInProgress
	}
	conn, err := s.dial(ctx, s.cfg.Addr)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.disconnect()

	s.state.Store(int32(StateHandshaking))
	s.touchRx()
	s.coord.SetSendCallback(func(frame []byte) error {
		return writeAll(conn, frame)
	})
	if err := s.sendWantConfig(); err != nil {
		return err
	}
	log.Info().Str("addr", s.cfg.Addr).Msg("session handshaking")

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go s.staleWatchdog(watchCtx, conn)
	go func() {
		<-watchCtx.Done()
		_ = conn.Close()
	}()

	for {
		payload, err := proto.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		s.touchRx()
		s.handleFrame(payload)
	}
}

// disconnect tears the session down in the order the scheduler and
// coordinator rely on: timers first, queue second, then socket and state.
func (s *Session) disconnect() {
	s.sched.Stop()
	s.coord.Clear()
	s.coord.SetSendCallback(nil)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.local = model.LocalNodeIdentity{}
	s.wantConfigID = 0
	s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))
}

// ForceReconnect drops the current connection; Run's loop redials.
func (s *Session) ForceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) touchRx() {
	s.lastRxUnixNs.Store(time.Now().UnixNano())
}

func (s *Session) staleWatchdog(ctx context.Context, conn net.Conn) {
	if s.cfg.StaleTimeout <= 0 {
		return
	}
	interval := s.cfg.StaleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastRxUnixNs.Load())
			if time.Since(last) > s.cfg.StaleTimeout {
				log.Warn().Dur("stale_timeout", s.cfg.StaleTimeout).Msg("no traffic from radio, forcing reconnect")
				if s.metrics != nil {
					s.metrics.IncStaleKicks()
				}
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) sendWantConfig() error {
	id := s.nextPacketID()
	s.mu.Lock()
	s.wantConfigID = id
	s.mu.Unlock()
	payload, err := proto.EncodeWantConfig(id)
	if err != nil {
		return fmt.Errorf("encode want_config: %w", err)
	}
	frame, err := proto.EncodeFrame(payload)
	if err != nil {
		return err
	}
	s.coord.Enqueue(frame)
	return nil
}

// handleFrame decodes and dispatches one inbound frame. Failures are logged
// and the frame dropped; nothing propagates out of the read loop's callback.
func (s *Session) handleFrame(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("frame handler panicked")
		}
	}()
	msg, err := proto.DecodeRadio(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncFrameDecodeErrors()
		}
		log.Debug().Err(err).Int("bytes", len(payload)).Msg("discarding undecodable frame")
		return
	}
	if s.metrics != nil {
		s.metrics.IncFramesDecoded()
	}
	switch msg.Kind {
	case proto.KindMyInfo:
		s.handleMyInfo(msg.MyInfo)
	case proto.KindConfigComplete:
		s.handleConfigComplete(msg.ConfigComplete)
	case proto.KindNodeInfo:
		s.handleNodeInfo(msg.NodeInfo)
	case proto.KindChannelInfo:
		log.Debug().Int("index", msg.Channel.Index).Str("name", msg.Channel.Name).Msg("channel slot")
	case proto.KindTelemetry:
		s.handleStatus(msg.Telemetry.NodeNum, "telemetry")
	case proto.KindPosition:
		s.handleStatus(msg.Position.NodeNum, "position")
	case proto.KindPacket:
		s.handlePacket(msg.Packet)
	case proto.KindUnknown:
		log.Debug().Msg("unknown frame kind survived decode")
	}
}

func (s *Session) handleMyInfo(mi *proto.MyInfo) {
	s.mu.Lock()
	s.local = model.LocalNodeIdentity{
		NodeNum:   mi.NodeNum,
		NodeID:    mi.NodeID,
		LongName:  mi.LongName,
		ShortName: mi.ShortName,
	}
	s.mu.Unlock()
	log.Info().Uint32("node_num", mi.NodeNum).Str("node_id", mi.NodeID).Msg("local node identity")
}

func (s *Session) handleConfigComplete(cc *proto.ConfigComplete) {
	s.mu.Lock()
	expected := s.wantConfigID
	identityKnown := s.local.NodeNum != 0
	s.mu.Unlock()
	if cc.ConfigID != expected || !identityKnown {
		return
	}
	if s.state.CompareAndSwap(int32(StateHandshaking), int32(StateConnected)) {
		log.Info().Str("addr", s.cfg.Addr).Msg("session connected")
		s.sched.Start(s.cfg.TracerouteIntervalMinutes)
	}
}

func (s *Session) handleNodeInfo(ni *proto.NodeInfo) {
	if s.nodes == nil {
		return
	}
	heard := time.Unix(ni.LastHeard, 0)
	if ni.LastHeard == 0 {
		heard = time.Now()
	}
	ref := model.NodeRef{
		NodeNum:   ni.NodeNum,
		NodeID:    ni.NodeID,
		LongName:  ni.LongName,
		ShortName: ni.ShortName,
	}
	if err := s.nodes.UpsertNode(ref, heard); err != nil {
		log.Warn().Err(err).Uint32("node", ni.NodeNum).Msg("upsert node failed")
	}
	s.hub.Publish(Event{Kind: "node_info", At: time.Now(), Node: &ref})
}

func (s *Session) handleStatus(nodeNum uint32, kind string) {
	if s.nodes != nil && nodeNum != 0 {
		if err := s.nodes.TouchNode(nodeNum, time.Now()); err != nil {
			log.Warn().Err(err).Uint32("node", nodeNum).Msg("touch node failed")
		}
	}
	s.hub.Publish(Event{Kind: kind, At: time.Now(), Node: &model.NodeRef{NodeNum: nodeNum}})
}

func (s *Session) handlePacket(pkt *proto.MeshPacket) {
	ts := time.Now()
	if pkt.RxTime > 0 {
		ts = time.Unix(pkt.RxTime, 0)
	}
	data := pkt.Decoded
	rec := model.PacketRecord{
		FromNode:  pkt.From,
		Channel:   pkt.ChannelHash,
		HopStart:  pkt.HopStart,
		HopLimit:  pkt.HopLimit,
		Rssi:      pkt.RxRssi,
		Snr:       pkt.RxSnr,
		Direction: model.DirectionRx,
		Encrypted: len(pkt.Encrypted) > 0,
		Timestamp: ts,
	}
	if pkt.To != proto.Broadcast && pkt.To != 0 {
		to := pkt.To
		rec.ToNode = &to
	}
	if data == nil && len(pkt.Encrypted) > 0 {
		res, err := s.engine.TryDecrypt(pkt)
		if err != nil {
			log.Warn().Err(err).Uint32("packet_id", pkt.ID).Msg("trial decryption errored")
		}
		if res != nil {
			data = res.Data
			keyID := res.KeyID
			rec.DecryptedBy = &keyID
			if s.metrics != nil {
				s.metrics.IncDecryptHits()
			}
		} else if err == nil {
			// Expected outcome: no key matched, store the packet opaque.
			if s.metrics != nil {
				s.metrics.IncDecryptMisses()
			}
		}
	}
	port, portKnown := data.PortNum()
	if portKnown {
		p := port
		rec.PortNum = &p
	}
	local := s.LocalIdentity().NodeNum
	if ShouldExcludeFromPacketLog(pkt.From, pkt.To, port, portKnown, local) {
		if s.metrics != nil {
			s.metrics.IncPacketsExcluded()
		}
		return
	}
	if portKnown && port == proto.PortTraceroute && data != nil && !data.WantResponse && s.nodes != nil {
		if err := s.nodes.UpdateTracerouteResult(pkt.From, data.Route, true); err != nil {
			log.Warn().Err(err).Uint32("node", pkt.From).Msg("update traceroute result failed")
		}
	}
	if s.sink != nil {
		if err := s.sink.PersistPacket(rec); err != nil {
			log.Warn().Err(err).Msg("persist packet failed")
		} else if s.metrics != nil {
			s.metrics.IncPacketsLogged()
		}
	}
	if s.nodes != nil && pkt.From != 0 {
		if err := s.nodes.TouchNode(pkt.From, ts); err != nil {
			log.Debug().Err(err).Uint32("node", pkt.From).Msg("touch sender failed")
		}
	}
	ev := Event{Kind: "packet", At: ts, Packet: &rec}
	if portKnown && port == proto.PortTextMessage && data != nil {
		ev.Text = string(data.Payload)
	}
	s.hub.Publish(ev)
}

func (s *Session) nextPacketID() uint32 {
	for {
		id := s.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}

func (s *Session) enqueuePacket(pkt *proto.MeshPacket, port int) error {
	payload, err := proto.EncodePacket(pkt)
	if err != nil {
		return err
	}
	frame, err := proto.EncodeFrame(payload)
	if err != nil {
		return err
	}
	s.coord.Enqueue(frame)
	s.logOutbound(pkt, port)
	return nil
}

// logOutbound runs outbound packets through the same classification as
// received traffic, so admin probes from the local node stay out of the log.
func (s *Session) logOutbound(pkt *proto.MeshPacket, port int) {
	local := s.LocalIdentity().NodeNum
	if ShouldExcludeFromPacketLog(pkt.From, pkt.To, port, true, local) {
		if s.metrics != nil {
			s.metrics.IncPacketsExcluded()
		}
		return
	}
	rec := model.PacketRecord{
		FromNode:  pkt.From,
		Channel:   pkt.ChannelHash,
		PortNum:   &port,
		Direction: model.DirectionTx,
		Timestamp: time.Now(),
	}
	if pkt.To != proto.Broadcast && pkt.To != 0 {
		to := pkt.To
		rec.ToNode = &to
	}
	if s.sink != nil {
		if err := s.sink.PersistPacket(rec); err != nil {
			log.Warn().Err(err).Msg("persist outbound packet failed")
		} else if s.metrics != nil {
			s.metrics.IncPacketsLogged()
		}
	}
}

// SendText queues a text message on a channel to a node, or to everyone
// when to is the broadcast address.
func (s *Session) SendText(to, channelHash uint32, text string) error {
	if text == "" {
		return errors.New("empty text")
	}
	pkt := &proto.MeshPacket{
		From:        s.LocalIdentity().NodeNum,
		To:          to,
		ID:          s.nextPacketID(),
		ChannelHash: channelHash,
		WantAck:     to != proto.Broadcast,
		Decoded: &proto.Data{
			Port:    proto.PortTextMessage,
			Payload: []byte(text),
		},
	}
	return s.enqueuePacket(pkt, proto.PortTextMessage)
}

// SendAdmin queues an administrative payload to a node.
func (s *Session) SendAdmin(to uint32, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty admin payload")
	}
	pkt := &proto.MeshPacket{
		From:    s.LocalIdentity().NodeNum,
		To:      to,
		ID:      s.nextPacketID(),
		WantAck: true,
		Decoded: &proto.Data{
			Port:         proto.PortAdmin,
			Payload:      payload,
			WantResponse: true,
		},
	}
	return s.enqueuePacket(pkt, proto.PortAdmin)
}

// SendTraceroute queues a route probe toward a node; the scheduler is its
// main caller.
func (s *Session) SendTraceroute(to uint32) error {
	pkt := &proto.MeshPacket{
		From:    s.LocalIdentity().NodeNum,
		To:      to,
		ID:      s.nextPacketID(),
		WantAck: true,
		Decoded: &proto.Data{
			Port:         proto.PortTraceroute,
			WantResponse: true,
		},
	}
	return s.enqueuePacket(pkt, proto.PortTraceroute)
}

func writeAll(conn net.Conn, frame []byte) error {
	total := 0
	for total < len(frame) {
		n, err := conn.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("short write")
		}
		total += n
	}
	return nil
}
