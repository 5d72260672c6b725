package frame

// ConnSettings holds the connection parameters negotiated via SETTINGS
// frames. It starts at DefaultConnSettings and is updated in place as the
// peer's SETTINGS frames are applied.
type ConnSettings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    *uint32 // nil means unlimited
}

// DefaultConnSettings returns the settings a client connection assumes
// before the peer sends its own SETTINGS frame: the RFC 7540 initial
// values, except that push is disabled and MaxConcurrentStreams is 100
// rather than unlimited.
func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		HeaderTableSize:      4096,
		EnablePush:           false,
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         DefaultMaxFrameSize,
	}
}

// Apply updates the receiver in place for each setting the peer sent.
func (s *ConnSettings) Apply(settings []Setting) {
	for _, set := range settings {
		switch set.Param {
		case SettingHeaderTableSize:
			s.HeaderTableSize = set.Value
		case SettingEnablePush:
			s.EnablePush = set.Value == 1
		case SettingMaxConcurrentStreams:
			s.MaxConcurrentStreams = set.Value
		case SettingInitialWindowSize:
			s.InitialWindowSize = set.Value
		case SettingMaxFrameSize:
			s.MaxFrameSize = set.Value
		case SettingMaxHeaderListSize:
			v := set.Value
			s.MaxHeaderListSize = &v
		}
	}
}
