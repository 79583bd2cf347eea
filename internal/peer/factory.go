package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/telemyapp/aegis-play/internal/logging"
)

// H264PayloadType is the dynamic payload type the video track is offered with.
const H264PayloadType = 102

const h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

type FactoryConfig struct {
	ICEServers []string
	PortMin    uint16
	PortMax    uint16
	NAT1To1IP  string
	// Loopback adds 127.0.0.1 candidates; in-process tests need it.
	Loopback bool
	LogLevel zerolog.Level
}

// APIFactory builds peer connections sharing one media engine, interceptor
// registry and setting engine.
type APIFactory struct {
	api  *webrtc.API
	conf webrtc.Configuration
}

// ModAPIFunc may adjust the engines before the API is built.
type ModAPIFunc func(m *webrtc.MediaEngine, i *interceptor.Registry, s *webrtc.SettingEngine)

func NewAPIFactory(conf FactoryConfig, log *logging.Logger, mod ModAPIFunc) (*APIFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "goog-remb"}, {Type: "ccm", Parameter: "fir"}, {Type: "nack"}, {Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: H264PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{LoggerFactory: logging.NewPionFactory(log, conf.LogLevel)}
	if conf.PortMin > 0 && conf.PortMax >= conf.PortMin {
		if err := s.SetEphemeralUDPPortRange(conf.PortMin, conf.PortMax); err != nil {
			return nil, err
		}
	}
	if conf.NAT1To1IP != "" {
		s.SetNAT1To1IPs([]string{conf.NAT1To1IP}, webrtc.ICECandidateTypeHost)
		log.Info().Str("ip", conf.NAT1To1IP).Msg("NAT 1:1 mapping active")
	}
	if conf.Loopback {
		s.SetIncludeLoopbackCandidate(true)
	}
	if mod != nil {
		mod(m, i, &s)
	}

	c := webrtc.Configuration{}
	for _, url := range conf.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return &APIFactory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: c,
	}, nil
}

func (a *APIFactory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return a.api.NewPeerConnection(a.conf)
}
