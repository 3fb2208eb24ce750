package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	ControlChannelLabel = "remote-control"
	controlRetransmits  = 3
)

// DefaultICEServers are used when ICEServers is nil. An empty slice
// restricts gathering to host candidates.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{
		URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
	}}
}

type Config struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
	// MaxBitrateKbps stands in for the available bitrate until the ICE
	// agent has an estimate.
	MaxBitrateKbps int
	// Offerer creates the control channel and the offer.
	Offerer bool
	// Screen is the sharing peer's outgoing track; nil on the viewer.
	Screen webrtc.TrackLocal
	// OnVideo receives the viewer's incoming screen packets.
	OnVideo func(*rtp.Packet)
}

// Factory builds one PeerTransport per connection attempt.
type Factory struct {
	api    *webrtc.API
	cfg    Config
	logger *zap.SugaredLogger
}

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers()
	}

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	// Default interceptors generate the receiver reports the host reads
	// packet loss from.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(media),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// NewTransport has the shape of ports.TransportFactory.
func (f *Factory) NewTransport(ctx context.Context) (ports.PeerTransport, error) {
	return newTransport(f.api, f.cfg, f.logger)
}

// Transport is one pion peer connection carrying the screen track and
// the remote-control data channel.
type Transport struct {
	pc     *webrtc.PeerConnection
	cfg    Config
	input  *controlChannel
	logger *zap.SugaredLogger

	// Fraction lost from the latest receiver report, as float64 bits.
	reportedLoss atomic.Uint64

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	pending     []json.RawMessage
	onState     func(domain.TransportState)
	connected   bool
	channelOpen bool
	established bool
	screenAdded bool
	lastInbound inboundCounters
	closed      bool
}

var _ ports.PeerTransport = (*Transport)(nil)

func newTransport(api *webrtc.API, cfg Config, logger *zap.SugaredLogger) (*Transport, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	t := &Transport{
		pc:     pc,
		cfg:    cfg,
		input:  newControlChannel(),
		logger: logger,
	}

	pc.OnICECandidate(t.handleCandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlChannelLabel {
			return
		}
		t.attachControl(dc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go t.readVideo(track)
	})

	if cfg.Offerer {
		ordered := true
		retransmits := uint16(controlRetransmits)
		dc, err := pc.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: create data channel: %v", domain.ErrTransportFailure, err)
		}
		t.attachControl(dc)

		if cfg.Screen != nil {
			if err := t.addScreen(); err != nil {
				_ = pc.Close()
				return nil, err
			}
		} else {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("%w: add transceiver: %v", domain.ErrTransportFailure, err)
			}
		}
	}
	return t, nil
}

func (t *Transport) addScreen() error {
	t.mu.Lock()
	if t.screenAdded || t.cfg.Screen == nil {
		t.mu.Unlock()
		return nil
	}
	t.screenAdded = true
	t.mu.Unlock()

	sender, err := t.pc.AddTrack(t.cfg.Screen)
	if err != nil {
		return fmt.Errorf("%w: add screen track: %v", domain.ErrTransportFailure, err)
	}
	go t.readReports(sender)
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrTransportFailure, err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", domain.ErrTransportFailure, err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", domain.ErrTransportFailure, err)
	}
	// An answerer that shares its screen reuses the offered recvonly
	// transceiver for its track.
	if err := t.addScreen(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrTransportFailure, err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", domain.ErrTransportFailure, err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) AcceptAnswer(ctx context.Context, answer domain.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

func (t *Transport) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

// OnCandidate registers fn and replays candidates gathered before it.
func (t *Transport) OnCandidate(fn func(candidate json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		fn(c)
	}
}

func (t *Transport) OnStateChange(fn func(state domain.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Input() ports.InputChannel { return t.input }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.input.detach()
	return t.pc.Close()
}

func (t *Transport) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		t.logger.Warnw("failed to encode ice candidate", "error", err)
		return
	}

	t.mu.Lock()
	fn := t.onCandidate
	if fn == nil {
		t.pending = append(t.pending, raw)
	}
	t.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (t *Transport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("peer connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.update(func() { t.connected = true })
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		t.emit(domain.TransportLost)
	case webrtc.PeerConnectionStateClosed:
		t.emit(domain.TransportClosed)
	}
}

func (t *Transport) attachControl(dc *webrtc.DataChannel) {
	t.input.attach(dc)
	dc.OnOpen(func() {
		t.update(func() { t.channelOpen = true })
	})
	dc.OnClose(func() {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			t.emit(domain.TransportLost)
		}
	})
	// A remotely created channel can already be open when it is handed over.
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.update(func() { t.channelOpen = true })
	}
}

// update applies fn and reports established once the connection and the
// control channel are both up.
func (t *Transport) update(fn func()) {
	t.mu.Lock()
	fn()
	ready := t.connected && t.channelOpen && !t.established
	if ready {
		t.established = true
	}
	t.mu.Unlock()
	if ready {
		t.emit(domain.TransportEstablished)
	}
}

func (t *Transport) emit(state domain.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// readReports drains RTCP for the screen sender and keeps the latest
// fraction lost.
func (t *Transport) readReports(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if loss, ok := fractionLost(packets); ok {
			t.reportedLoss.Store(math.Float64bits(loss))
		}
	}
}

func (t *Transport) readVideo(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if t.cfg.OnVideo != nil {
			t.cfg.OnVideo(pkt)
		}
	}
}

// Sample reads the selected candidate pair for RTT and bitrate. Loss is
// taken from receiver reports on the sending side and from inbound
// counters on the receiving side.
func (t *Transport) Sample(ctx context.Context) (domain.NetworkSample, error) {
	report := t.pc.GetStats()

	t.mu.Lock()
	sample, inbound, err := sampleFromStats(report, t.lastInbound, t.cfg.MaxBitrateKbps)
	if err == nil {
		t.lastInbound = inbound
	}
	t.mu.Unlock()
	if err != nil {
		return domain.NetworkSample{}, err
	}

	if t.cfg.Screen != nil {
		sample.PacketLossRatio = math.Float64frombits(t.reportedLoss.Load())
	}
	sample.SampledAt = time.Now()
	return sample, nil
}

type inboundCounters struct {
	received uint64
	lost     int64
}

var errNoSelectedPair = errors.New("no selected candidate pair")

func sampleFromStats(report webrtc.StatsReport, prev inboundCounters, fallbackKbps int) (domain.NetworkSample, inboundCounters, error) {
	var (
		sample  domain.NetworkSample
		found   bool
		inbound inboundCounters
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.State != webrtc.StatsICECandidatePairStateSucceeded || (found && !st.Nominated) {
				continue
			}
			found = true
			sample.RoundTripTimeMs = st.CurrentRoundTripTime * 1000
			sample.AvailableBitrateKbps = st.AvailableOutgoingBitrate / 1000
		case webrtc.InboundRTPStreamStats:
			inbound.received += uint64(st.PacketsReceived)
			inbound.lost += int64(st.PacketsLost)
		}
	}
	if !found {
		return domain.NetworkSample{}, prev, fmt.Errorf("%w: %v", domain.ErrTransportFailure, errNoSelectedPair)
	}
	if sample.AvailableBitrateKbps <= 0 {
		sample.AvailableBitrateKbps = float64(fallbackKbps)
	}

	received := float64(inbound.received) - float64(prev.received)
	lost := float64(inbound.lost - prev.lost)
	if lost > 0 && received+lost > 0 {
		sample.PacketLossRatio = lost / (received + lost)
	}
	return sample, inbound, nil
}

// fractionLost returns the worst fraction lost across receiver reports.
func fractionLost(packets []rtcp.Packet) (float64, bool) {
	var (
		worst float64
		found bool
	)
	for _, p := range packets {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range rr.Reports {
			found = true
			worst = math.Max(worst, float64(r.FractionLost)/256)
		}
	}
	return worst, found
}

// controlChannel adapts the remote-control data channel to
// ports.InputChannel. Subscriptions survive the channel being attached
// after they were made.
type controlChannel struct {
	mu   sync.Mutex
	dc   *webrtc.DataChannel
	subs map[int]func([]byte)
	next int
}

func newControlChannel() *controlChannel {
	return &controlChannel{subs: make(map[int]func([]byte))}
}

func (c *controlChannel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		subs := make([]func([]byte), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg.Data)
		}
	})
}

func (c *controlChannel) detach() {
	c.mu.Lock()
	c.dc = nil
	c.mu.Unlock()
}

func (c *controlChannel) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: control channel not open", domain.ErrTransportFailure)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

func (c *controlChannel) Subscribe(fn func(data []byte)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
