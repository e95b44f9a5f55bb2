package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitrate = 1_500_000 // 1.5 Mbps

// CaptureDevice acquires real microphone and camera streams through
// pion/mediadevices, encoding audio as Opus and video as VP8.
type CaptureDevice struct {
	selector *mediadevices.CodecSelector
}

// NewCaptureDevice builds the VP8+Opus codec selector shared by all captures
// of this process.
func NewCaptureDevice() (*CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, Classify(err)
	}
	vpxParams.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, Classify(err)
	}

	return &CaptureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the selector's codecs with a webrtc media engine
// so peer connections negotiate the formats the encoders actually produce.
func (d *CaptureDevice) PopulateEngine(engine *webrtc.MediaEngine) {
	d.selector.Populate(engine)
}

// CaptureAudio opens the microphone only.
func (d *CaptureDevice) CaptureAudio() (*Stream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, Classify(err)
	}
	return wrapStream(stream), nil
}

// CaptureVideo opens the camera only. Raw frame formats are preferred and the
// resolution capped: some cameras expose an MJPEG node with malformed frames
// that poisons the VP8 encoder, and higher resolutions add encoding latency
// a mesh call cannot afford.
func (d *CaptureDevice) CaptureVideo() (*Stream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, Classify(err)
	}
	return wrapStream(stream), nil
}

func wrapStream(stream mediadevices.MediaStream) *Stream {
	tracks := stream.GetTracks()
	wrapped := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		wrapped = append(wrapped, newCaptureTrack(t, kind))
	}
	return NewStream(wrapped...)
}

// captureTrack adapts a mediadevices track to the Track interface, layering
// the enabled flag on top (mediadevices has no per-track enable semantics).
type captureTrack struct {
	md   mediadevices.Track
	kind Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func(error)
}

func newCaptureTrack(md mediadevices.Track, kind Kind) *captureTrack {
	t := &captureTrack{md: md, kind: kind, enabled: true}
	md.OnEnded(func(err error) {
		t.mu.Lock()
		fn := t.onEnded
		t.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
	return t
}

func (t *captureTrack) ID() string { return t.md.ID() }

func (t *captureTrack) Kind() Kind { return t.kind }

func (t *captureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *captureTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *captureTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return t.md.Close()
}

func (t *captureTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers a callback for the device disappearing mid-session
// (unplugged camera, revoked permission).
func (t *captureTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// RTPTrack exposes the underlying mediadevices track for attachment to a
// peer connection sender.
func (t *captureTrack) RTPTrack() webrtc.TrackLocal { return t.md }
