// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	// signalingPollInterval is how often Serve polls for inbound offers.
	signalingPollInterval = 2 * time.Second

	// iceGatherTimeout bounds ICE candidate gathering before the SDP is
	// published.
	iceGatherTimeout = 15 * time.Second

	// answerPollInterval is how often a dialer polls for the answer to
	// its offer.
	answerPollInterval = 500 * time.Millisecond

	// answerTimeout bounds the wait for an answer.
	answerTimeout = 30 * time.Second

	// dataChannelOpenTimeout bounds the wait for a new data channel to
	// open on an established PeerConnection.
	dataChannelOpenTimeout = 10 * time.Second

	// initChannelLabel names the throwaway data channel that forces pion
	// to include an SCTP section in the offer.
	initChannelLabel = "init"
)

// WebRTCTransport carries mount sessions over WebRTC data channels so
// that a host and a client behind different NATs can reach each other.
// It implements both Listener and Dialer because both directions share
// the same pool of PeerConnections.
//
// Each peer gets one PeerConnection with potentially many data
// channels. Each DialContext call opens a new ordered, reliable data
// channel on the existing PeerConnection (or establishes one first).
// Serve accepts data channels opened by peers and hands each to the
// connection handler as a net.Conn.
//
// Connection establishment uses vanilla ICE through a [Signaler]: all
// candidates are gathered before the SDP is published, so signaling
// takes exactly one round-trip.
type WebRTCTransport struct {
	signaler Signaler
	name     string
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer name to its PeerConnection state.
	mu    sync.Mutex
	peers map[string]*peerState

	// inboundConnections carries data channels opened by remote peers,
	// wrapped as net.Conn.
	inboundConnections chan net.Conn

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

// peerState tracks the PeerConnection to a single remote peer. Guarded
// by WebRTCTransport.mu.
type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{} // closed when ICE reaches Connected/Completed
	establish   sync.Once
}

// NewWebRTCTransport creates a WebRTC transport. name identifies this
// peer in signaling and is the address other peers dial.
func NewWebRTCTransport(signaler Signaler, name string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCTransport{
		signaler:           signaler,
		name:               name,
		iceConfig:          iceConfig,
		logger:             logger,
		peers:              make(map[string]*peerState),
		inboundConnections: make(chan net.Conn, 64),
		ready:              make(chan struct{}),
		closed:             make(chan struct{}),
	}
}

// Ready returns a channel that is closed once Serve has started the
// signaling poller.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve polls for inbound offers and dispatches incoming data channels
// to handler. Blocks until ctx is cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler ConnHandler) error {
	go wt.signalingPoller(ctx)
	wt.readyOnce.Do(func() { close(wt.ready) })

	listener := &chanListener{
		connections: wt.inboundConnections,
		closed:      wt.closed,
		done:        make(chan struct{}),
	}
	return serveListener(ctx, listener, handler)
}

// Address returns the peer name; other peers dial it.
func (wt *WebRTCTransport) Address() string {
	return wt.name
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
	})

	// PeerConnection.Close fires state callbacks that take wt.mu, so
	// close outside the lock.
	wt.mu.Lock()
	peers := make([]*peerState, 0, len(wt.peers))
	for name, peer := range wt.peers {
		peers = append(peers, peer)
		delete(wt.peers, name)
	}
	wt.mu.Unlock()

	for _, peer := range peers {
		peer.connection.Close()
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration used for new
// PeerConnections. Existing PeerConnections keep their configuration.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the peer named address. If no
// PeerConnection exists to that peer, it creates one by publishing an
// SDP offer and waiting for the answer.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(ctx, peer)
}

// getOrCreatePeer returns the PeerConnection state for name, creating
// and signaling a new PeerConnection if necessary. Concurrent callers
// for the same peer wait on the first caller's attempt.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, name string) (*peerState, error) {
	wt.mu.Lock()

	if peer, ok := wt.peers[name]; ok {
		if alive(peer.connection) {
			wt.mu.Unlock()
			return peer, nil
		}
		delete(wt.peers, name)
		go peer.connection.Close()
	}

	// Register before releasing the lock so concurrent callers find this
	// entry and wait on established instead of signaling in parallel.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{
		connection:  pc,
		name:        name,
		established: make(chan struct{}),
	}
	wt.peers[name] = peer
	wt.mu.Unlock()

	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.forgetPeer(name, peer)
		pc.Close()
		return nil, err
	}
	return peer, nil
}

func alive(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}

// forgetPeer removes name from the peer map if it still maps to peer.
func (wt *WebRTCTransport) forgetPeer(name string, peer *peerState) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if current, ok := wt.peers[name]; ok && current == peer {
		delete(wt.peers, name)
	}
}

// watchPeer installs the inbound data channel and ICE state handlers.
func (wt *WebRTCTransport) watchPeer(peer *peerState) {
	peer.connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer.name)
	})
	peer.connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})
}

// establishOutbound performs offer/answer signaling for a PeerConnection
// already registered in the peer map. peer.established is closed by the
// ICE state handler once connectivity is up.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	pc := peer.connection
	wt.watchPeer(peer)

	if _, err := pc.CreateDataChannel(initChannelLabel, nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	completeSDP, err := wt.gather(ctx, pc, offer)
	if err != nil {
		return err
	}

	if err := wt.signaler.PublishOffer(ctx, wt.name, peer.name, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.logger.Info("webrtc offer published", "peer", peer.name)

	answerSDP, err := wt.waitForAnswer(ctx, peer.name)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.name, err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("webrtc outbound connection signaled", "peer", peer.name)
	return nil
}

// gather sets description as the local description and waits for ICE
// gathering to finish, returning the SDP with every candidate embedded.
func (wt *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, name string) (string, error) {
	deadline := time.NewTimer(answerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.name)
			if err != nil {
				wt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerName == name {
					return answer.SDP, nil
				}
			}
		}
	}
}

func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			wt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers answers new offers. When both peers dial each
// other at once, the peer with the lexicographically smaller name is the
// canonical offerer and the other side drops its own attempt.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.name)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.PeerName]
		if hasExisting {
			if alive(existing.connection) && offer.PeerName > wt.name {
				// We are the canonical offerer; ignore theirs.
				wt.mu.Unlock()
				continue
			}
			delete(wt.peers, offer.PeerName)
		}
		wt.mu.Unlock()
		if hasExisting {
			existing.connection.Close()
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Error("answering webrtc offer failed",
				"peer", offer.PeerName,
				"error", err,
			)
		}
	}
}

func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{
		connection:  pc,
		name:        offer.PeerName,
		established: make(chan struct{}),
	}
	wt.watchPeer(peer)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	completeSDP, err := wt.gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return err
	}
	if err := wt.signaler.PublishAnswer(ctx, offer.PeerName, wt.name, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.PeerName] = peer
	wt.mu.Unlock()

	wt.logger.Info("webrtc inbound connection answered", "peer", offer.PeerName)
	return nil
}

// handleInboundDataChannel wraps a data channel opened by the peer as a
// net.Conn and queues it for Serve.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peerName string) {
	// Nobody reads the init channel; a blocked read on an idle stream
	// contends with the real streams inside pion's SCTP association.
	if dc.Label() == initChannelLabel {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	dc.OnOpen(func() {
		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerName,
				"label", dc.Label(),
				"error", err,
			)
			return
		}
		wt.logger.Debug("inbound data channel opened", "peer", peerName, "label", dc.Label())

		conn := NewDataChannelConn(rawChannel, wt.name+"/"+dc.Label(), peerName+"/"+dc.Label())
		select {
		case wt.inboundConnections <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

func (wt *WebRTCTransport) handleICEStateChange(peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Info("ice state change", "peer", peer.name, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		peer.establish.Do(func() { close(peer.established) })

	case webrtc.ICEConnectionStateFailed:
		// getOrCreatePeer notices the failed state and re-establishes on
		// the next dial.
		wt.logger.Warn("webrtc connection failed", "peer", peer.name)

	case webrtc.ICEConnectionStateClosed:
		wt.forgetPeer(peer.name, peer)
	}
}

// openDataChannel creates a new ordered, reliable data channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(ctx context.Context, peer *peerState) (net.Conn, error) {
	label := fmt.Sprintf("wormhole-%d", wt.channelCounter.Add(1))

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	timer := time.NewTimer(dataChannelOpenTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-timer.C:
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, dataChannelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	wt.logger.Debug("data channel opened", "label", label, "peer", peer.name)

	return NewDataChannelConn(rawChannel, wt.name+"/"+label, peer.name+"/"+label), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config, detachable data channels, and loopback candidates (needed when
// both peers run on one machine).
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// chanListener adapts the inbound connection channel to net.Listener so
// Serve can share the TCP accept loop.
type chanListener struct {
	connections <-chan net.Conn
	closed      <-chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-l.connections:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops Accept. The transport itself stays up until
// WebRTCTransport.Close.
func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return &dataChannelAddr{label: "webrtc-listener"}
}
