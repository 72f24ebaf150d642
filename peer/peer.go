// Package peer establishes a direct peer-to-peer data channel to the host's
// agent and exposes it as a bus endpoint, so a session can migrate off its
// relayed link. Offer/answer and candidate exchange are signaled over the
// session's currently active transport.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
)

// Config carries the collaborators for one peer-connection setup. All fields
// are required except Log and OnDisconnected.
type Config struct {
	Log *zap.SugaredLogger

	// Options configures STUN and relay assistance; also forwarded to the
	// host alongside the offer.
	Options bus.PeerOptions

	// Agent is the session proxy on the currently active (pre-upgrade)
	// transport, used for signaling.
	Agent bus.AgentSession

	// Opener establishes a bus endpoint over the opened data channel.
	Opener bus.Opener

	SessionID bus.SessionID

	// Sink is exported on the new endpoint so inbound batches can arrive
	// over the peer link.
	Sink bus.MessageSink

	// OnDisconnected is invoked once if the ICE connection is lost after
	// setup completed.
	OnDisconnected func()
}

// Connection is an established peer link: the underlying peer connection and
// the bus endpoint running over its data channel. The migration handshake
// that makes it a session's active transport is the session's business.
type Connection struct {
	Endpoint bus.Endpoint
	Agent    bus.AgentSession

	pc      *webrtc.PeerConnection
	cancels []func()
}

// Close tears down the peer connection and its endpoint. Idempotent.
func (c *Connection) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
	if c.Endpoint != nil {
		c.Endpoint.Close()
	}
	if c.pc != nil {
		c.pc.Close()
	}
}

// Setup drives peer-connection establishment: offer/answer over the active
// transport, debounced candidate exchange in both directions, and a bus
// handshake over the opened data channel. It either returns a fully working
// Connection or cleans up after itself.
func Setup(ctx context.Context, cfg Config) (conn *Connection, err error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("peer")

	servers, err := iceServers(cfg.Options)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	var cancels []func()
	defer func() {
		if err != nil {
			for _, cancel := range cancels {
				cancel()
			}
			pc.Close()
		}
	}()

	// The signaling context outlives Setup: late local candidates still need
	// to reach the host after the offer/answer round trip completes.
	sigCtx, sigCancel := context.WithCancel(context.Background())
	cancels = append(cancels, sigCancel)

	localQueue := newCandidateQueue(log.Named("local_candidates"),
		func(batch []string) {
			if err := cfg.Agent.AddCandidates(sigCtx, batch); err != nil {
				log.Debugf("error sending candidates: %s", err)
			}
		},
		func() {
			if err := cfg.Agent.NotifyCandidateGatheringDone(sigCtx); err != nil {
				log.Debugf("error notifying gathering done: %s", err)
			}
		})
	remoteQueue := newCandidateQueue(log.Named("remote_candidates"),
		func(batch []string) {
			for _, c := range batch {
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
					log.Debugf("error adding remote candidate: %s", err)
				}
			}
		},
		func() {
			// A single end-of-candidates marker.
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: ""}); err != nil {
				log.Debugf("error adding end-of-candidates: %s", err)
			}
		})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			localQueue.End()
			return
		}
		localQueue.Add(c.ToJSON().Candidate)
	})
	cancels = append(cancels, cfg.Agent.OnCandidates(func(sdps []string) {
		for _, c := range sdps {
			remoteQueue.Add(c)
		}
	}))
	cancels = append(cancels, cfg.Agent.OnCandidateGatheringDone(func() {
		remoteQueue.End()
	}))

	ordered := true
	dc, err := pc.CreateDataChannel("session", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	opened := make(chan io.ReadWriteCloser, 1)
	openErr := make(chan error, 1)
	dc.OnOpen(func() {
		stream, derr := dc.Detach()
		if derr != nil {
			openErr <- fmt.Errorf("detaching data channel: %w", derr)
			return
		}
		opened <- stream
	})

	failed := make(chan struct{})
	var failOnce sync.Once
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Debugw("ICE connection state changed", "State", st.String())
		if st == webrtc.ICEConnectionStateFailed {
			failOnce.Do(func() { close(failed) })
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	answerSDP, err := cfg.Agent.OfferPeerConnection(ctx, offer.SDP, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("offering peer connection: %w", err)
	}
	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
	if err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	// Candidates may flow only once the offer/answer round trip is done.
	localQueue.Start()
	remoteQueue.Start()

	var stream io.ReadWriteCloser
	select {
	case stream = <-opened:
	case err = <-openErr:
		return nil, err
	case <-failed:
		return nil, errors.New("ICE connection failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint, err := cfg.Opener.Open(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("opening bus over data channel: %w", err)
	}
	defer func() {
		if err != nil {
			endpoint.Close()
		}
	}()
	endpoint.ExportSink(cfg.SessionID, cfg.Sink)
	agent, err := endpoint.AgentSession(ctx, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("linking peer session proxy: %w", err)
	}

	// From here on ICE loss is a live-link failure, not a setup failure.
	if cfg.OnDisconnected != nil {
		var lostOnce sync.Once
		onDisconnected := cfg.OnDisconnected
		pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
			log.Debugw("ICE connection state changed", "State", st.String())
			if st == webrtc.ICEConnectionStateDisconnected || st == webrtc.ICEConnectionStateFailed {
				lostOnce.Do(onDisconnected)
			}
		})
	}

	log.Debug("peer connection established")
	return &Connection{Endpoint: endpoint, Agent: agent, pc: pc, cancels: cancels}, nil
}

// iceServers builds the pion server list from an optional STUN address and
// zero or more relay descriptors.
func iceServers(opts bus.PeerOptions) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if opts.StunServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:" + opts.StunServer}})
	}
	for _, relay := range opts.Relays {
		var url string
		switch relay.Kind {
		case RelayKindUDP, "":
			url = "turn:" + relay.Address + "?transport=udp"
		case RelayKindTCP:
			url = "turn:" + relay.Address + "?transport=tcp"
		case RelayKindTLS:
			url = "turns:" + relay.Address + "?transport=tcp"
		default:
			return nil, fmt.Errorf("unsupported relay kind %q", relay.Kind)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   relay.Username,
			Credential: relay.Password,
		})
	}
	return servers, nil
}

// Relay kinds re-exported for convenience when building options.
const (
	RelayKindUDP = bus.RelayKindUDP
	RelayKindTCP = bus.RelayKindTCP
	RelayKindTLS = bus.RelayKindTLS
)
