package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

const (
	// DefaultHighWaterMark is the send-buffer size above which messages are dropped.
	DefaultHighWaterMark = 4 << 20
	// DefaultOpenTimeout is how long a peer may take to open its data channel.
	DefaultOpenTimeout = 15 * time.Second
)

// dataChannel is the subset of *webrtc.DataChannel the emitter needs.
type dataChannel interface {
	SendText(s string) error
	BufferedAmount() uint64
}

// RTCServer negotiates peer connections whose data channel carries
// stream messages.
type RTCServer struct {
	clients    map[string]*DataChannelEmitter
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
}

// NewRTCServer creates a server using stunServers for ICE.
func NewRTCServer(stunServers []string, maxClients int) *RTCServer {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &RTCServer{
		clients:    make(map[string]*DataChannelEmitter),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
	}
}

// HandleOffer answers a browser offer. The offer must include a data
// channel; the returned emitter sends on the first one the peer opens.
func (s *RTCServer) HandleOffer(offer webrtc.SessionDescription, format Format) (*webrtc.SessionDescription, *DataChannelEmitter, error) {
	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()
	if s.maxClients > 0 && numClients >= s.maxClients {
		return nil, nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	em := newDataChannelEmitter(uuid.NewString(), format, DefaultHighWaterMark, DefaultOpenTimeout)
	em.peerConn = peerConn
	em.onClose = func() { s.remove(em.id) }

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			logger.Info("WebRTC", "Client %s data channel %q open", em.id, dc.Label())
			em.attach(dc)
		})
		dc.OnClose(func() {
			logger.Debug("WebRTC", "Client %s data channel closed", em.id)
			em.markGone()
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", em.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			em.markGone()
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	local := peerConn.LocalDescription()
	if local == nil {
		peerConn.Close()
		return nil, nil, fmt.Errorf("no local description available")
	}

	s.clientsMu.Lock()
	s.clients[em.id] = em
	s.clientsMu.Unlock()
	logger.Info("WebRTC", "Client %s connected", em.id)
	return local, em, nil
}

// ParseOffer decodes a JSON session description.
func ParseOffer(raw []byte) (webrtc.SessionDescription, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return offer, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return offer, fmt.Errorf("failed to parse offer: not an offer")
	}
	return offer, nil
}

func (s *RTCServer) remove(id string) {
	s.clientsMu.Lock()
	delete(s.clients, id)
	s.clientsMu.Unlock()
}

// ClientCount returns the number of negotiated clients.
func (s *RTCServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close closes every client connection.
func (s *RTCServer) Close() error {
	s.clientsMu.RLock()
	clients := make([]*DataChannelEmitter, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
	return nil
}

// DataChannelEmitter sends payloads as text messages. It never blocks:
// messages are dropped while the channel is not yet open or while the
// send buffer is above the high-water mark.
type DataChannelEmitter struct {
	id          string
	format      Format
	highWater   uint64
	openTimeout time.Duration
	created     time.Time

	peerConn *webrtc.PeerConnection
	onClose  func()

	mu     sync.Mutex
	dc     dataChannel
	done   chan struct{}
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newDataChannelEmitter(id string, format Format, highWater uint64, openTimeout time.Duration) *DataChannelEmitter {
	return &DataChannelEmitter{
		id:          id,
		format:      format,
		highWater:   highWater,
		openTimeout: openTimeout,
		created:     time.Now(),
		done:        make(chan struct{}),
	}
}

// ID identifies the client in logs.
func (e *DataChannelEmitter) ID() string { return e.id }

func (e *DataChannelEmitter) Format() Format { return e.format }

// Done is closed when the peer goes away.
func (e *DataChannelEmitter) Done() <-chan struct{} { return e.done }

func (e *DataChannelEmitter) attach(dc dataChannel) {
	e.mu.Lock()
	if e.dc == nil {
		e.dc = dc
	}
	e.mu.Unlock()
}

func (e *DataChannelEmitter) markGone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Emit implements Emitter.
func (e *DataChannelEmitter) Emit(payload []byte) error {
	select {
	case <-e.done:
		return ErrConsumerGone
	default:
	}

	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil {
		if time.Since(e.created) > e.openTimeout {
			return fmt.Errorf("%w: data channel never opened", ErrConsumerGone)
		}
		e.dropped.Add(1)
		return nil
	}

	if dc.BufferedAmount() > e.highWater {
		if n := e.dropped.Add(1); n%100 == 1 {
			logger.Debug("WebRTC", "Client %s slow, dropped %d messages", e.id, n)
		}
		return nil
	}
	if err := dc.SendText(string(payload)); err != nil {
		e.markGone()
		return fmt.Errorf("%w: %w", ErrConsumerGone, err)
	}
	e.sent.Add(1)
	return nil
}

// Stats returns sent and dropped message counts.
func (e *DataChannelEmitter) Stats() (sent, dropped uint64) {
	return e.sent.Load(), e.dropped.Load()
}

// Close tears down the peer connection.
func (e *DataChannelEmitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.markGone()
	var err error
	if e.peerConn != nil {
		err = e.peerConn.Close()
	}
	if e.onClose != nil {
		e.onClose()
	}
	sent, dropped := e.Stats()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)", e.id, sent, dropped)
	return err
}
