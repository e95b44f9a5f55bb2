package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/signal"
)

// ICE timeouts are generous so a brief relay/NAT hiccup does not immediately
// terminate a call: the default 5s disconnectedTimeout is far too short for
// relay paths with short outages during re-keying or failover.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// EnginePopulator registers the codecs a capture device actually encodes.
// *media.CaptureDevice satisfies it.
type EnginePopulator interface {
	PopulateEngine(engine *webrtc.MediaEngine)
}

// ICEConfiguration converts the server-delivered ICE description into a pion
// configuration.
func ICEConfiguration(servers []signal.ICEServer) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

// newAPI builds the shared webrtc API: media engine with the capture codecs
// (or pion defaults when no populator is given), default interceptors, and
// the relaxed ICE timeouts above.
func newAPI(populate EnginePopulator) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populate != nil {
		populate.PopulateEngine(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
